// Package export writes the samples of a view to object storage and reads
// them back into a dataset.
//
// An export is two objects under a common prefix: a newline-delimited
// extended JSON file with one sample per line, video frames embedded as a
// "frames" array, and a manifest describing the source dataset and its
// field schemas. Import merges the manifest schemas into the target
// dataset before adding the samples in batches, so field declarations
// survive the round trip even for fields no exported sample sets.
//
// Any ObjectStore works; *minio.MinioClient is the production one.
//
//	res, err := export.Export(ctx, view.New(ds), store, "exports/animals", export.ExportOptions{Compress: true})
//	...
//	res, err = export.Import(ctx, target, store, "exports/animals", export.ImportOptions{})
package export
