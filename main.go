package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"charityledger/config"
	"charityledger/internal/chain"
	"charityledger/internal/handler"
	"charityledger/internal/journal"
	"charityledger/internal/model"
	"charityledger/internal/service"

	"github.com/gin-gonic/gin"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化数据库（使用配置的连接池参数）
	dbConfig := model.DefaultDBConfig
	dbConfig.MaxOpenConns = cfg.Database.MaxOpenConns
	dbConfig.MaxIdleConns = cfg.Database.MaxIdleConns
	dbConfig.ConnMaxLifetime = time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute
	dbConfig.LogLevel = model.ParseLogLevel(cfg.Log.DBLogLevel)
	if err := model.InitDBWithConfig(cfg.Database.DSN(), dbConfig); err != nil {
		log.Fatalf("Failed to init database: %v", err)
	}

	metrics := service.NewPipelineMetrics()
	client := initChain(cfg, metrics)
	j := initJournal(cfg)
	bot := service.NewBotService(service.BotConfig{
		TelegramToken:  cfg.Notify.TelegramToken,
		TelegramChatID: cfg.Notify.TelegramChatID,
		DiscordWebhook: cfg.Notify.DiscordWebhook,
		Timeout:        time.Duration(cfg.Notify.Timeout) * time.Second,
	})

	store := model.NewLedgerStore(model.GetDB())
	pipeline, err := service.NewPipeline(store, client, j, pipelineOptions(cfg),
		service.WithMetrics(metrics),
		service.WithNotifier(bot),
	)
	if err != nil {
		log.Fatalf("Failed to create pipeline: %v", err)
	}

	// 启动调度
	scheduler := service.NewScheduler(pipeline, cfg.Pipeline.IntervalDuration(), cfg.Pipeline.RunOnStart)
	scheduler.Start()
	bot.NotifySystemEvent(fmt.Sprintf("🚀 结算服务已启动\n\n发行方: %s\n间隔: %v", client.RootAddress(), cfg.Pipeline.IntervalDuration()))

	// 管理接口
	var srv *http.Server
	if cfg.Server.Enabled {
		gin.SetMode(gin.ReleaseMode)
		r := gin.Default()
		handler.RegisterRoutes(r, cfg,
			handler.NewAdminHandler(cfg, pipeline, metrics, store, j, client),
			handler.NewHealthHandler(pipeline, client),
		)

		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		srv = &http.Server{Addr: addr, Handler: r}
		log.Printf("CharityLedger admin server starting on %s", addr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Server error: %v", err)
			}
		}()
	}

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	if srv != nil {
		if err := srv.Close(); err != nil {
			log.Printf("Server close error: %v", err)
		}
	}
	// 不中断进行中的运行, 等待其结束
	scheduler.Stop()
	bot.Wait()
	log.Println("Server exited")
}

// initChain 初始化链客户端
func initChain(cfg *config.Config, metrics *service.PipelineMetrics) *chain.SolanaClient {
	client, err := chain.NewSolanaClient(chain.Config{
		Endpoints:      cfg.Chain.RPC,
		Mint:           cfg.Chain.Mint,
		RootSecret:     cfg.Chain.RootSecret,
		Commitment:     cfg.Chain.Commitment,
		ConfirmRetries: cfg.Chain.ConfirmRetries,
		ConfirmDelay:   time.Duration(cfg.Chain.ConfirmDelay) * time.Millisecond,
		RateLimit:      cfg.Chain.RateLimit,
		RateBurst:      cfg.Chain.RateBurst,
		HTTPTimeout:    time.Duration(cfg.Chain.HTTPTimeout) * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to init chain client: %v", err)
	}
	if cfg.Chain.RootPublic != "" && cfg.Chain.RootPublic != client.RootAddress() {
		log.Fatalf("chain.root_public %s does not match root secret (%s)", cfg.Chain.RootPublic, client.RootAddress())
	}
	client.SetObserver(metrics.RecordRPCCall)
	log.Printf("Chain client ready (root: %s, endpoints: %d)", client.RootAddress(), len(cfg.Chain.RPC))
	return client
}

// initJournal 初始化去重日志, 未配置路径时只保存在内存
func initJournal(cfg *config.Config) service.Journal {
	if cfg.Journal.Path == "" {
		log.Println("WARNING: journal.path is empty, dedup journal is kept in memory only")
		return journal.NewMemoryJournal()
	}

	sealer, err := journal.LoadOrCreateSealer(cfg.Journal.IdentityFile)
	if err != nil {
		log.Fatalf("Failed to load journal identity: %v", err)
	}
	j, err := journal.OpenFileJournal(cfg.Journal.Path, sealer)
	if err != nil {
		log.Fatalf("Failed to open journal: %v", err)
	}
	entries, err := j.List()
	if err != nil {
		log.Printf("Failed to list journal entries: %v", err)
	}
	log.Printf("Journal opened at %s (%d pending entries)", cfg.Journal.Path, len(entries))
	return j
}

func pipelineOptions(cfg *config.Config) service.PipelineOptions {
	policy := func(p config.ReservePolicyConfig) service.ReservePolicy {
		return service.ReservePolicy{MinThreshold: p.MinThreshold, TopUp: p.TopUp}
	}
	return service.PipelineOptions{
		ScaleFactor:       cfg.Pipeline.ScaleFactor,
		GrantFee:          cfg.Pipeline.GrantFee,
		ShortfallFee:      cfg.Pipeline.ShortfallFee,
		ShortfallCooldown: cfg.Pipeline.CooldownDuration(),
		PendingExpiry:     cfg.Pipeline.PendingExpiryDuration(),
		Charity: service.OperatingWallet{
			Address: cfg.Wallets.Charity.Address,
			Keys:    chain.KeyPair{Public: cfg.Wallets.Charity.Public, Secret: cfg.Wallets.Charity.Secret},
		},
		StoreAddress: cfg.Wallets.Store.Address,
		Reserve: service.ReservePolicies{
			Default:      policy(cfg.Reserve.Default),
			Operating:    policy(cfg.Reserve.Operating),
			Distribution: policy(cfg.Reserve.Distribution),
		},
	}
}
