package config

const (
	defaultOutputRoot            = "~/.local/share/meshforge/assets"
	defaultManifestDir           = "~/.local/share/meshforge/manifests"
	defaultLogDir                = "~/.local/share/meshforge/logs"
	defaultMeshyBaseURL          = "https://api.meshy.ai"
	defaultMinRequestIntervalMS  = 500
	defaultMaxAttempts           = 3
	defaultBackoffFloorMS        = 2000
	defaultBackoffCeilingMS      = 10000
	defaultHTTPTimeoutSeconds    = 300
	defaultPollIntervalSeconds   = 5
	defaultPipelineTimeout       = 600
	defaultWorkers               = 1
	defaultLockBackend           = "none"
	defaultLockLeaseSeconds      = 120
	defaultWebhookBind           = "127.0.0.1:7488"
	defaultMirrorBackend         = "none"
	defaultEmbeddingModel        = "text-embedding-004"
	defaultEmbeddingDBName       = "embeddings.db"
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	defaultRedisAddr             = "127.0.0.1:6379"
	defaultMinFreeSpaceMegabytes = 512
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			OutputRoot:  defaultOutputRoot,
			ManifestDir: defaultManifestDir,
			LogDir:      defaultLogDir,
		},
		Meshy: Meshy{
			BaseURL:              defaultMeshyBaseURL,
			MinRequestIntervalMS: defaultMinRequestIntervalMS,
			MaxAttempts:          defaultMaxAttempts,
			BackoffFloorMS:       defaultBackoffFloorMS,
			BackoffCeilingMS:     defaultBackoffCeilingMS,
			TimeoutSeconds:       defaultHTTPTimeoutSeconds,
		},
		Pipeline: Pipeline{
			PollIntervalSeconds:   defaultPollIntervalSeconds,
			TimeoutSeconds:        defaultPipelineTimeout,
			Workers:               defaultWorkers,
			MinFreeSpaceMegabytes: defaultMinFreeSpaceMegabytes,
		},
		Lock: Lock{
			Backend:      defaultLockBackend,
			RedisAddr:    defaultRedisAddr,
			LeaseSeconds: defaultLockLeaseSeconds,
		},
		Webhook: Webhook{
			Bind: defaultWebhookBind,
		},
		Mirror: Mirror{
			Backend: defaultMirrorBackend,
		},
		Embeddings: Embeddings{
			Model: defaultEmbeddingModel,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
