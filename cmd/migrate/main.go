package main

import (
	"flag"
	"log"

	"go.uber.org/zap"

	"github.com/nemonet1337/pharmaledger/internal/config"
	"github.com/nemonet1337/pharmaledger/internal/logging"
	"github.com/nemonet1337/pharmaledger/pkg/inventory/storage"
)

func main() {
	down := flag.Bool("down", false, "マイグレーションをロールバックする")
	steps := flag.Int("steps", 1, "ロールバックするマイグレーション数（-down 指定時）")
	flag.Parse()

	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("設定読み込みに失敗しました:", err)
	}
	if cfg.Database.Driver != "postgres" {
		log.Fatalf("マイグレーションはpostgresドライバーでのみ実行できます: %s", cfg.Database.Driver)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer logger.Sync()

	logger.Info("pharmaledger マイグレーション実行ツール",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("dbname", cfg.Database.DBName),
		zap.Bool("down", *down),
	)

	if *down {
		if err := storage.MigrateDown(cfg.DatabaseURL(), *steps, logger); err != nil {
			logger.Fatal("ロールバックに失敗しました", zap.Error(err))
		}
		return
	}

	if err := storage.Migrate(cfg.DatabaseURL(), logger); err != nil {
		logger.Fatal("マイグレーション実行に失敗しました", zap.Error(err))
	}
	logger.Info("すべてのマイグレーションが完了しました")
}
