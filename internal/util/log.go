package util

const (
	// package keys
	PackageKey = "package"

	PackageMain       = "main"
	PackageMedia      = "media"
	PackageCapture    = "capture"
	PackageDerivative = "derivative"
	PackageStorage    = "storage"
	PackagePhoto      = "photo"
	PackageQuota      = "quota"
	PackageUpload     = "upload"
	PackageGallery    = "gallery"
	PackageBackfill   = "backfill"
	PackageRegenerate = "regenerate"

	// component keys
	ComponentKey = "component"

	ComponentMain               = "main"
	ComponentMedia              = "media"
	ComponentNormalizer         = "capture normalizer"
	ComponentMinio              = "minio object store"
	ComponentBlob               = "blob object store"
	ComponentPhotoService       = "photo service"
	ComponentQuotaGuard         = "quota guard"
	ComponentPipeline           = "upload pipeline"
	ComponentBatch              = "upload batch"
	ComponentResolver           = "url resolver"
	ComponentFeed               = "gallery feed"
	ComponentReconciler         = "backfill reconciler"
	ComponentRegenerator        = "derivative regenerator"
	ComponentRegenerateRpc      = "regenerate rpc client"
	ComponentRegenerateConsumer = "regenerate consumer"

	// service keys
	ServiceKey = "service"

	ServiceDerma = "derma"
)
