package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/config"
	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/handler"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/bitfantasy/nimo-mes/internal/middleware"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// 加载 .env 文件
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	zapLogger, err := initLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting nimo-mes service",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
	)

	// 初始化数据库
	db, err := initDatabase(cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}

	// 建表
	if err := db.AutoMigrate(
		&entity.Station{},
		&entity.Ticket{},
		&entity.StationFlowStep{},
		&entity.StepAssignment{},
		&entity.QCSession{},
		&entity.QCRow{},
		&entity.DefectAlert{},
		&entity.ReworkOrder{},
		&entity.ReworkStep{},
		&entity.StepActionLog{},
	); err != nil {
		zapLogger.Warn("AutoMigrate warning", zap.Error(err))
	}

	// 增量迁移：状态取值约束和查询索引。AutoMigrate 不会生成这些。
	migrationSQL := []string{
		// V2: 工序状态约束
		`DO $$ BEGIN
			ALTER TABLE mes_station_flow_steps ADD CONSTRAINT chk_step_status
				CHECK (status IN ('pending', 'current', 'completed', 'rework'));
		EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
		`DO $$ BEGIN
			ALTER TABLE mes_rework_steps ADD CONSTRAINT chk_rework_step_status
				CHECK (status IN ('pending', 'current', 'completed', 'rework'));
		EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
		// V2: 良品数不为负
		`DO $$ BEGIN
			ALTER TABLE mes_tickets ADD CONSTRAINT chk_ticket_pass_quantity
				CHECK (pass_quantity IS NULL OR pass_quantity >= 0);
		EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
		// V3: 热点查询索引
		"CREATE INDEX IF NOT EXISTS idx_mes_steps_ticket_status ON mes_station_flow_steps(ticket_id, status)",
		"CREATE INDEX IF NOT EXISTS idx_mes_rework_ticket ON mes_rework_orders(ticket_id, status)",
		"CREATE INDEX IF NOT EXISTS idx_mes_action_logs_owner ON mes_step_action_logs(owner_type, owner_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_mes_alerts_ticket ON mes_defect_alerts(ticket_id)",
	}
	for _, sql := range migrationSQL {
		if err := db.Exec(sql).Error; err != nil {
			zapLogger.Warn("Migration warning", zap.String("sql", sql), zap.Error(err))
		}
	}
	zapLogger.Info("MES database migration completed")

	// 工位目录种子
	if err := seedStations(db); err != nil {
		zapLogger.Warn("Seed stations warning", zap.Error(err))
	}

	// 初始化Redis
	rdb := initRedis(cfg.Redis)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		zapLogger.Warn("Redis not reachable, cooldown/status cache degraded", zap.Error(err))
	}

	// 仓库、服务、处理器
	repos := repository.NewRepositories(db)
	services := service.NewServices(db, repos, rdb)
	handlers := handler.NewHandlers(services)

	// 设置Gin模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(zapLogger))
	router.Use(middleware.CORS())
	router.Use(middleware.RequestID())
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	// 注册路由
	registerRoutes(router, handlers, cfg)

	// 创建HTTP服务器
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: 0, // Disable for SSE long-lived connections
	}

	// 启动服务器
	go func() {
		zapLogger.Info("Server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("Server forced to shutdown", zap.Error(err))
	}

	zapLogger.Info("Server exited")
}

func initLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zapCfg zap.Config

	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	return zapCfg.Build()
}

func initDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return db, nil
}

func initRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// seedStations 初始化工位目录。已有数据则跳过，工位定义不做运行时CRUD。
func seedStations(db *gorm.DB) error {
	var count int64
	if err := db.Model(&entity.Station{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	stations := []entity.Station{
		{Code: "cut", Name: "裁切", Class: entity.StationClassNormal, SortOrder: 10},
		{Code: "cnc", Name: "CNC加工", Class: entity.StationClassCNC, AllowedRoles: entity.StringArray{"cnc_operator"}, SortOrder: 20},
		{Code: "paint", Name: "喷涂", Class: entity.StationClassNormal, SortOrder: 30},
		{Code: "assembly", Name: "组装", Class: entity.StationClassNormal, SortOrder: 40},
		{Code: "qc", Name: "质检", Class: entity.StationClassQC, AllowedRoles: entity.StringArray{"qc_inspector"}, SortOrder: 50},
		{Code: "packing", Name: "包装", Class: entity.StationClassPacking, AllowedRoles: entity.StringArray{"packer"}, SortOrder: 60},
	}
	now := time.Now()
	for i := range stations {
		stations[i].ID = uuid.New().String()[:32]
		stations[i].CreatedAt = now
		stations[i].UpdatedAt = now
	}
	return db.Create(&stations).Error
}

func registerRoutes(r *gin.Engine, h *handler.Handlers, cfg *config.Config) {
	// 健康检查
	r.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/health/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// 版本信息
	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    Version,
			"build_time": BuildTime,
		})
	})

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"code": 40400, "message": "Not found"})
	})

	// API v1
	v1 := r.Group("/api/v1")
	{
		mes := v1.Group("/mes")
		mes.Use(middleware.JWTAuth(cfg.JWT.Secret))
		{
			// 工位目录
			mes.GET("/stations", h.Ticket.ListStations)

			// 工单
			tickets := mes.Group("/tickets")
			{
				tickets.POST("", h.Ticket.Create)
				tickets.GET("", h.Ticket.List)
				tickets.GET("/:id", h.Ticket.Get)
				tickets.GET("/:id/history", h.Workflow.History)

				// 工序流转
				tickets.POST("/:id/steps/:order/assign", h.Workflow.Assign)
				tickets.POST("/:id/steps/:order/start", h.Workflow.Start)
				tickets.POST("/:id/steps/:order/complete", h.Workflow.Complete)

				// 质检
				tickets.POST("/:id/qc-sessions", h.QC.Submit)
				tickets.GET("/:id/qc-sessions", h.QC.ListSessions)
				tickets.GET("/:id/qc-sessions/export", h.Ticket.ExportSessions)
				tickets.GET("/:id/alerts", h.QC.ListAlerts)
			}

			// 返工单
			reworks := mes.Group("/rework-orders")
			{
				reworks.GET("", h.Rework.List)
				reworks.GET("/:id", h.Rework.Get)
				reworks.POST("/:id/steps/:order/start", h.Rework.StartStep)
				reworks.POST("/:id/steps/:order/complete", h.Rework.CompleteStep)
				reworks.POST("/:id/approve", h.Rework.Approve)
				reworks.POST("/:id/cancel", h.Rework.Cancel)
			}

			// SSE 实时推送（支持 query param token）
			mes.GET("/events", h.SSE.Stream)
		}
	}
}
