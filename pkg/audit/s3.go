package audit

import (
	"bytes"
	"context"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// replicationQueueSize bounds the backlog of pending uploads. Overflow
// drops the replica (the local chain remains authoritative).
const replicationQueueSize = 256

// replicaUploadTimeout bounds a single PutObject call.
const replicaUploadTimeout = 30 * time.Second

type replicaJob struct {
	key  string
	body []byte
}

// S3Replicator mirrors audit lines to object storage asynchronously.
// Uploads are fire-and-forget: failures are logged, never surfaced to
// the execution path.
type S3Replicator struct {
	client *s3.Client
	bucket string
	prefix string
	queue  chan replicaJob
	wg     sync.WaitGroup
	once   sync.Once
	logger *slog.Logger
}

// NewS3Replicator starts the uploader goroutine.
func NewS3Replicator(client *s3.Client, bucket, prefix string) *S3Replicator {
	r := &S3Replicator{
		client: client,
		bucket: bucket,
		prefix: prefix,
		queue:  make(chan replicaJob, replicationQueueSize),
		logger: slog.With("component", "audit-replicator", "bucket", bucket),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Enqueue schedules one line for upload. Never blocks the audit writer.
func (r *S3Replicator) Enqueue(key string, body []byte) {
	// Copy: the caller reuses its buffer.
	job := replicaJob{key: path.Join(r.prefix, key), body: append([]byte(nil), body...)}
	select {
	case r.queue <- job:
	default:
		r.logger.Warn("Replication queue full, dropping audit replica", "key", job.key)
	}
}

// Close stops accepting jobs and waits for the backlog to drain.
func (r *S3Replicator) Close() {
	r.once.Do(func() { close(r.queue) })
	r.wg.Wait()
}

func (r *S3Replicator) run() {
	defer r.wg.Done()
	for job := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), replicaUploadTimeout)
		_, err := r.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:               aws.String(r.bucket),
			Key:                  aws.String(job.key),
			Body:                 bytes.NewReader(job.body),
			ServerSideEncryption: types.ServerSideEncryptionAes256,
		})
		cancel()
		if err != nil {
			r.logger.Error("Audit replica upload failed", "key", job.key, "error", err)
		}
	}
}
