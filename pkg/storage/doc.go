// Package storage holds capsule media in an object store.
//
// Two backends implement ObjectStore:
//
//   - S3Store: Amazon S3 or an S3-compatible service such as MinIO (aws-sdk-go-v2)
//   - FileSystemStore: a local directory, for development and single-node installs
//
// New selects the backend from config.StorageConfig and wraps it with
// Instrument so operations and transferred bytes show up in the Prometheus
// metrics. Object keys follow capsules/<capsule id>/<uuid>-<file name>; see
// MediaKey.
package storage
