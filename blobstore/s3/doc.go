// Package s3 provides an S3 implementation of blobstore.Store.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("saves/"),
//	    s3.WithRegion("us-east-1"),
//	)
//
//	slots := savestate.NewSlots(store, "game-1")
//
// Wrap the store in a DDBCommitStore when several instances share a bucket
// and the current-slot pointer needs compare-and-swap semantics.
//
// # Features
//
//   - Range reads for partial fetches
//   - Multipart streaming uploads through manager.Uploader
//   - CRC32C checksums on single-request puts
//   - Automatic pagination for listing
package s3
