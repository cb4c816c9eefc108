package media

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/tdeslauriers/carapace/pkg/config"
	"github.com/tdeslauriers/carapace/pkg/connect"
	"github.com/tdeslauriers/carapace/pkg/data"
	"github.com/tdeslauriers/carapace/pkg/diagnostics"
	"github.com/tdeslauriers/derma/internal/backfill"
	"github.com/tdeslauriers/derma/internal/capture"
	"github.com/tdeslauriers/derma/internal/derivative"
	"github.com/tdeslauriers/derma/internal/gallery"
	"github.com/tdeslauriers/derma/internal/photo"
	"github.com/tdeslauriers/derma/internal/quota"
	"github.com/tdeslauriers/derma/internal/regenerate"
	"github.com/tdeslauriers/derma/internal/storage"
	"github.com/tdeslauriers/derma/internal/upload"
	"github.com/tdeslauriers/derma/internal/util"
)

// Media is the engine of the media pipeline service.
type Media interface {

	// Run starts the regenerate consumer, when amqp is configured, and the health endpoint.
	Run() error

	// CloseDb closes the database connection.
	CloseDb() error

	// Close stops background work and closes the broker and cache connections.
	Close() error

	// Uploads returns the upload pipeline without a gallery publisher.
	Uploads() upload.Pipeline

	// Photos returns the photo service for single photo reads, notes edits and deletes.
	Photos() photo.Service

	// NewSession opens a gallery session for one owner, filter and sort direction.
	NewSession(cfg SessionConfig) (*Session, error)
}

// New creates a new Media service from the service config and the pipeline tunables.
// ent may be nil, in which case every owner is on the free tier.
func New(cfg *config.Config, pc *PipelineConfig, ent quota.Entitlements) (Media, error) {

	ctx, cancel := context.WithCancel(context.Background())

	m := &media{
		config: cfg,
		pc:     *pc,
		ctx:    ctx,
		cancel: cancel,

		logger: slog.Default().
			With(slog.String(util.PackageKey, util.PackageMedia)).
			With(slog.String(util.ComponentKey, util.ComponentMedia)),
	}

	if err := m.connect(ctx); err != nil {
		_ = m.Close()
		_ = m.CloseDb()
		return nil, err
	}

	m.assemble(ent)

	return m, nil
}

var _ Media = (*media)(nil)

// media is the concrete implementation of the Media interface.
type media struct {
	config *config.Config
	pc     PipelineConfig

	ctx    context.Context
	cancel context.CancelFunc

	db        *sql.DB // nil in memory mode
	repo      photo.Repository
	store     storage.ObjectStore
	redis     *redis.Client    // nil without DERMA_REDIS_ADDR
	amqp      *amqp.Connection // nil without DERMA_AMQP_URL
	serverTls *tls.Config

	locker      regenerate.Locker
	regenerator regenerate.Service
	remote      backfill.Regenerator // rpc client, nil without amqp
	consumer    regenerate.Consumer  // nil without amqp

	uploads  upload.Pipeline
	photos   photo.Service
	resolver gallery.Resolver

	wg     sync.WaitGroup
	logger *slog.Logger
}

// connect opens the metadata store, the object store, redis and amqp.
func (m *media) connect(ctx context.Context) error {

	cfg := m.config

	var clientPki *connect.Pki
	if cfg.Certs.ClientCert != nil && cfg.Certs.ClientKey != nil && cfg.Certs.ClientCa != nil {
		clientPki = &connect.Pki{
			CertFile: *cfg.Certs.ClientCert,
			KeyFile:  *cfg.Certs.ClientKey,
			CaFiles:  []string{*cfg.Certs.ClientCa},
		}
	}

	// server tls for the health endpoint
	if cfg.Certs.ServerCert != nil && cfg.Certs.ServerKey != nil && cfg.Certs.ServerCa != nil {
		serverPki := &connect.Pki{
			CertFile: *cfg.Certs.ServerCert,
			KeyFile:  *cfg.Certs.ServerKey,
			CaFiles:  []string{*cfg.Certs.ServerCa},
		}

		serverTls, err := connect.NewTlsServerConfig(cfg.Tls, serverPki).Build()
		if err != nil {
			return fmt.Errorf("failed to configure %s media service server tls: %v", cfg.ServiceName, err)
		}
		m.serverTls = serverTls
	}

	// metadata store
	switch m.pc.DbMode {
	case DbModeMemory:
		m.logger.Warn("using the in-memory metadata store: photo rows are lost on restart")
		m.repo = photo.NewMemoryRepository(nil)

	default:
		if cfg.Certs.DbClientCert == nil || cfg.Certs.DbClientKey == nil || cfg.Certs.DbCaCert == nil {
			return fmt.Errorf("database client certificates are required in %s mode", DbModeMysql)
		}

		dbClientPki := &connect.Pki{
			CertFile: *cfg.Certs.DbClientCert,
			KeyFile:  *cfg.Certs.DbClientKey,
			CaFiles:  []string{*cfg.Certs.DbCaCert},
		}

		dbClientConfig, err := connect.NewTlsClientConfig(dbClientPki).Build()
		if err != nil {
			return fmt.Errorf("failed to configure database client tls: %v", err)
		}

		dbUrl := data.DbUrl{
			Name:     cfg.Database.Name,
			Addr:     cfg.Database.Url,
			Username: cfg.Database.Username,
			Password: cfg.Database.Password,
		}

		db, err := data.NewSqlDbConnector(dbUrl, dbClientConfig).Connect()
		if err != nil {
			return fmt.Errorf("failed to connect to database: %v", err)
		}

		m.db = db
		m.repo = photo.NewRepository(db)
	}

	// object store
	if m.pc.StorageUrl != "" {
		store, err := storage.OpenBlobStore(ctx, m.pc.StorageUrl, m.pc.publicBase())
		if err != nil {
			return fmt.Errorf("failed to create object store: %v", err)
		}
		m.store = store
	} else {
		var minioTls *tls.Config
		if clientPki != nil {
			t, err := connect.NewTlsClientConfig(clientPki).Build()
			if err != nil {
				return fmt.Errorf("failed to configure minio client tls: %v", err)
			}
			minioTls = t
		}

		store, err := storage.NewMinioStore(storage.MinioConfig{
			Endpoint:      cfg.ObjectStorage.Url,
			Bucket:        cfg.ObjectStorage.Bucket,
			AccessKey:     cfg.ObjectStorage.AccessKey,
			SecretKey:     cfg.ObjectStorage.SecretKey,
			Secure:        minioTls != nil,
			PublicBaseUrl: m.pc.publicBase(),
		}, minioTls)
		if err != nil {
			return fmt.Errorf("failed to create object store: %v", err)
		}
		m.store = store
	}

	// regenerate locks
	if m.pc.RedisAddr != "" {
		m.redis = redis.NewClient(&redis.Options{Addr: m.pc.RedisAddr})

		pingCtx, cancel := context.WithTimeout(ctx, m.pc.NetworkTimeout)
		err := m.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %v", m.pc.RedisAddr, err)
		}

		// the lock expires if its worker dies mid regeneration
		m.locker = regenerate.NewRedisLocker(m.redis, 4*m.pc.NetworkTimeout)
	} else {
		m.locker = regenerate.NewLocalLocker()
	}

	// regenerate transport
	if m.pc.AmqpUrl != "" {
		conn, err := amqp.Dial(m.pc.AmqpUrl)
		if err != nil {
			return fmt.Errorf("failed to connect to amqp broker: %v", err)
		}
		m.amqp = conn

		// consumer and client publish on separate channels
		clientCh, err := conn.Channel()
		if err != nil {
			return fmt.Errorf("failed to open amqp client channel: %v", err)
		}

		client, err := regenerate.NewClient(clientCh, m.pc.RegenerateQueue)
		if err != nil {
			return err
		}
		m.remote = client
	}

	return nil
}

// assemble builds the services over the open connections.
func (m *media) assemble(ent quota.Entitlements) {

	guard := quota.NewGuard(m.repo, ent, m.pc.DailyCeiling, m.pc.QuotaLocation, m.pc.NetworkTimeout)
	normalizer := capture.NewNormalizer()
	encoder := derivative.NewEncoder(nil)

	m.uploads = upload.NewPipeline(guard, normalizer, encoder, m.store, m.repo, upload.Config{
		Concurrency: m.pc.Concurrency,
		Timeout:     m.pc.NetworkTimeout,
	})

	m.photos = photo.NewService(m.repo, m.store, m.pc.NetworkTimeout)

	m.regenerator = regenerate.NewService(m.repo, m.store, normalizer, encoder, m.locker, regenerate.Config{
		SignTtl: m.pc.SignTtl,
		Timeout: m.pc.NetworkTimeout,
	})

	m.resolver = gallery.NewResolver(m.store, gallery.ResolverConfig{
		Ttl:     m.pc.SignTtl,
		Timeout: m.pc.NetworkTimeout,
	}, nil)
}

// CloseDb is the concrete implementation of the interface method.
func (m *media) CloseDb() error {
	if m.db == nil {
		return nil
	}
	if err := m.db.Close(); err != nil {
		m.logger.Error(fmt.Sprintf("failed to close %s media database connection", util.ServiceDerma), "err", err.Error())
		return err
	}
	return nil
}

// Close is the concrete implementation of the interface method.
func (m *media) Close() error {

	m.cancel()
	m.wg.Wait()

	if m.amqp != nil {
		if err := m.amqp.Close(); err != nil {
			m.logger.Error("failed to close amqp connection", "err", err.Error())
		}
	}

	if m.redis != nil {
		if err := m.redis.Close(); err != nil {
			m.logger.Error("failed to close redis client", "err", err.Error())
		}
	}

	if m.store != nil {
		if err := m.store.Close(); err != nil {
			m.logger.Error("failed to close object store", "err", err.Error())
		}
	}

	return nil
}

// Uploads is the concrete implementation of the interface method.
func (m *media) Uploads() upload.Pipeline {
	return m.uploads
}

// Photos is the concrete implementation of the interface method.
func (m *media) Photos() photo.Service {
	return m.photos
}

// Run is the concrete implementation of the interface method.
func (m *media) Run() error {

	if m.amqp != nil {
		ch, err := m.amqp.Channel()
		if err != nil {
			return fmt.Errorf("failed to open amqp consumer channel: %v", err)
		}

		m.consumer = regenerate.NewConsumer(ch, m.pc.RegenerateQueue, m.regenerator)

		m.wg.Add(1)
		go func(ctx context.Context, wg *sync.WaitGroup) {
			defer wg.Done()
			if err := m.consumer.Consume(ctx); err != nil {
				m.logger.Error("regenerate consumer stopped", "err", err.Error())
			}
		}(m.ctx, &m.wg)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", diagnostics.HealthCheckHandler)

	server := &connect.TlsServer{
		Addr:      m.config.ServicePort,
		Mux:       mux,
		TlsConfig: m.serverTls,
	}

	go func() {

		m.logger.Info(fmt.Sprintf("starting %s media service on port %s", m.config.ServiceName, server.Addr[1:]))
		if err := server.Initialize(); err != http.ErrServerClosed {
			m.logger.Error(fmt.Sprintf("failed to start %s media service: %v", m.config.ServiceName, err))
		}
	}()

	return nil
}
