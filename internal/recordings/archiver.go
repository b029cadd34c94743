// Package recordings copies provider call recordings into object storage.
// Provider recording URLs expire; archiving on terminal transition keeps the
// audio retrievable after the provider purges it.
package recordings

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"time"

	"voicegrid_backend/internal/events"
	"voicegrid_backend/platform/config"
	"voicegrid_backend/platform/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const downloadTimeout = 2 * time.Minute

// Archiver downloads terminal-call recordings and stores them in MinIO.
type Archiver struct {
	client *minio.Client
	bucket string
	http   *http.Client
	bus    events.Bus
	log    *logger.Logger
}

// New creates the archiver and verifies the target bucket exists.
func New(ctx context.Context, cfg config.RecordingConfig, bus events.Bus, log *logger.Logger) (*Archiver, error) {
	client, err := minio.New(cfg.GetMinIOEndpoint(), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.GetMinIOAccessKey(), cfg.GetMinIOSecretKey(), ""),
		Secure: cfg.GetMinIOUseSSL(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	bucket := cfg.GetRecordingBucket()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
	}

	return &Archiver{
		client: client,
		bucket: bucket,
		http:   &http.Client{Timeout: downloadTimeout},
		bus:    bus,
		log:    log,
	}, nil
}

// Subscribe registers the archiver on the event bus. Archival runs off the
// async publish path, so a slow download never blocks reconciliation.
func (a *Archiver) Subscribe(bus events.Bus) {
	bus.Subscribe(events.CallUpdated{}.EventName(), events.HandlerFunc(func(ctx context.Context, event events.Event) error {
		e, ok := event.(events.CallUpdated)
		if !ok {
			return nil
		}
		if !e.Terminal || e.RecordingURL == "" {
			return nil
		}

		if err := a.Archive(ctx, e); err != nil {
			a.log.Error("recording archival failed", "call_id", e.CallID, "error", err)
			return err
		}
		return nil
	}))
}

// Archive fetches the recording at the event's URL and writes it to the
// bucket under org/<orgId>/<callId><ext>.
func (a *Archiver) Archive(ctx context.Context, e events.CallUpdated) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.RecordingURL, nil)
	if err != nil {
		return fmt.Errorf("build recording request: %w", err)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("download recording: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download recording: unexpected status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	fileKey := fmt.Sprintf("org/%s/%s%s", e.OrganizationID, e.CallID, extensionFor(contentType, e.RecordingURL))

	info, err := a.client.PutObject(ctx, a.bucket, fileKey, resp.Body, resp.ContentLength, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("store recording %s: %w", fileKey, err)
	}

	a.log.Info("recording archived",
		"call_id", e.CallID,
		"file_key", fileKey,
		"size_bytes", info.Size,
	)

	a.bus.Publish(ctx, events.RecordingArchived{
		BaseEvent:      events.NewBaseEvent(),
		CallID:         e.CallID,
		OrganizationID: e.OrganizationID,
		FileKey:        fileKey,
		SizeBytes:      info.Size,
	})

	return nil
}

func extensionFor(contentType, rawURL string) string {
	switch contentType {
	case "audio/mpeg":
		return ".mp3"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	}
	if ext := path.Ext(rawURL); ext != "" && len(ext) <= 5 {
		return ext
	}
	return ".bin"
}
