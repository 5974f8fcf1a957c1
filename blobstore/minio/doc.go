// Package minio provides a blobstore.Store on top of the MinIO client.
//
// It works with MinIO and other S3-compatible servers (Ceph, Garage,
// SeaweedFS) without the AWS SDK.
//
// # Basic Usage
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//	    Secure: false,
//	})
//	if err != nil {
//	    return err
//	}
//
//	store := minioblob.NewStore(client, "my-bucket", "saves/")
//	slots := savestate.NewSlots(store, "game-1")
//
// The store does not implement blobstore.Committer, so the current-slot
// pointer is written with a plain Put.
package minio
