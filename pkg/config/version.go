package config

// Version constants for CollabKit manifests.
const (
	// APIVersion is the Kubernetes-style API version for CollabKit configs
	APIVersion = "collabkit.altairalabs.ai/v1alpha1"

	// SchemaVersion is the version string used in schema ids
	SchemaVersion = "v1alpha1"

	// KindCollabServer is the only manifest kind the server reads.
	KindCollabServer = "CollabServer"
)
