// Package minio stores exported views in an S3 compatible bucket.
//
// The client validates its credentials and ensures the bucket exists on
// creation. Objects of unknown size are streamed with multipart uploads,
// which is how the export package writes NDJSON without buffering it.
//
// Basic Usage:
//
//	client, err := minio.NewClient(minio.Config{
//		Connection: minio.Connection{
//			Endpoint:             "localhost:9000",
//			AccessKeyID:          "minioadmin",
//			SecretAccessKey:      "minioadmin",
//			BucketName:           "exports",
//			AccessBucketCreation: true,
//		},
//	})
//	if err != nil {
//		return err
//	}
//
//	n, err := client.Put(ctx, "animals/samples.ndjson", r, -1)
//	rc, err := client.Open(ctx, "animals/samples.ndjson")
//	if minio.IsNotFound(err) {
//		// nothing exported yet
//	}
package minio
