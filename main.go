package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"IMRelay/config"
	"IMRelay/logger"
	"IMRelay/middleware"
	"IMRelay/module/chat/conv"
	"IMRelay/module/chat/msg"
	"IMRelay/module/chat/recon"
	"IMRelay/module/presence"
	"IMRelay/service/bus"
	"IMRelay/service/chat"
	"IMRelay/service/mgo"
	storredis "IMRelay/service/storage/redis"
	"IMRelay/tools/ids"
	"IMRelay/tools/security"
)

func main() {
	cfg := config.Load()
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = ids.GenerateString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := buildDeps(ctx, cfg, nodeID)
	if err != nil {
		logger.Errorf("[boot] %v", err)
		return
	}
	defer cleanup()

	srv, err := chat.NewServer(chat.ServerConf{
		NodeID:        nodeID,
		SendQueue:     cfg.Gateway.SendQueue,
		FanoutWorkers: cfg.Gateway.FanoutWorkers,
		FanoutQueue:   cfg.Gateway.FanoutQueue,
		TypingTTL:     cfg.Gateway.TypingTTL,
		Registry: chat.RegistryConf{
			UnauthTTL:  cfg.Gateway.UnauthTTL,
			AuthTTL:    cfg.Gateway.AuthTTL,
			MaxPerUser: cfg.Gateway.MaxPerUser,
		},
	}, deps)
	if err != nil {
		logger.Errorf("[boot] gateway: %v", err)
		return
	}
	defer srv.Close()

	jwt := deps.Identity.(*security.JWTProvider)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.CORS())
	r.GET("/ws", srv.HandleWS)
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"node": nodeID}) })

	// dev convenience: mint a token for a user id; real deployments
	// front this with their identity provider
	r.POST("/token", func(c *gin.Context) {
		var req struct {
			UserID string `json:"userId" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		token, err := jwt.Generate(req.UserID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token})
	})

	httpSrv := &http.Server{Addr: cfg.Addr, Handler: r}
	go func() {
		logger.Infof("[boot] node=%s mode=%s listening on %s", nodeID, cfg.Mode, cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("[boot] listen: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("[boot] shutting down")

	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shCtx)
}

// buildDeps wires the storage backends for the configured mode.
func buildDeps(ctx context.Context, cfg config.Config, nodeID string) (chat.Deps, func(), error) {
	identity := security.NewJWTProvider(security.Options{
		Secret: []byte(cfg.JWT.Secret),
		Alg:    cfg.JWT.Alg,
		TTL:    cfg.JWT.TTL,
	})

	if cfg.Mode == config.ModeMemory {
		db := msg.NewMemDB()
		msgs := msg.NewStore(db, msg.NewLocalSequencer(db), msg.Conf{})
		convs := conv.NewMemStore()
		return chat.Deps{
			Convs:         convs,
			Msgs:          msgs,
			Recon:         recon.New(convs, msgs, recon.NewMemCursorStore()),
			PresenceStore: presence.NewMemStore(),
			Identity:      identity,
		}, func() {}, nil
	}

	if err := mgo.Init(ctx, mgo.Config{
		URI:      cfg.Mongo.URI,
		Database: cfg.Mongo.Database,
		Timeout:  cfg.Mongo.Timeout,
	}); err != nil {
		return chat.Deps{}, nil, err
	}
	if err := mgo.EnsureIndexes(ctx); err != nil {
		return chat.Deps{}, nil, err
	}
	if err := storredis.Init(storredis.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}); err != nil {
		return chat.Deps{}, nil, err
	}

	var b bus.Bus
	if cfg.Nats.Servers != "" {
		nb, err := bus.NewNatsBus(bus.NatsConf{
			Servers: cfg.Nats.Servers,
			Name:    "imrelay-" + nodeID,
			Origin:  nodeID,
		})
		if err != nil {
			return chat.Deps{}, nil, err
		}
		b = nb
	}

	mdb := mgo.GetDB()
	db := msg.NewMongoDB(mdb)
	msgs := msg.NewStore(db, msg.NewRedisSequencer(storredis.Get(), db), msg.Conf{})
	convs := conv.NewMongoStore(mdb)

	cleanup := func() {
		cctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = mgo.Close(cctx)
		_ = storredis.Close()
	}
	return chat.Deps{
		Convs:         convs,
		Msgs:          msgs,
		Recon:         recon.New(convs, msgs, recon.NewMongoCursorStore(mdb)),
		PresenceStore: presence.NewRedisStore(storredis.Get()),
		Identity:      identity,
		Bus:           b,
	}, cleanup, nil
}
