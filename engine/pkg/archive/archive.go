// Package archive uploads the final state of a fanout to S3 before the fanout
// record is closed.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/walletfanout/engine/pkg/ledger"
	"github.com/malbeclabs/walletfanout/engine/pkg/metrics"
)

// PutObjectAPI is the part of the S3 client the archiver uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Config struct {
	Logger *slog.Logger
	Client PutObjectAPI
	Bucket string

	// Prefix is prepended to every object key.
	Prefix string

	Clock clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("s3 client is required")
	}
	if cfg.Bucket == "" {
		return errors.New("bucket is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type S3Archiver struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*S3Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &S3Archiver{log: cfg.Logger, cfg: cfg}, nil
}

// Document is what gets stored for each archived fanout.
type Document struct {
	ArchivedAt time.Time           `json:"archived_at"`
	Snapshot   ledger.SnapshotView `json:"snapshot"`
}

// Key returns the object key for fanout name at t.
func (a *S3Archiver) Key(name string, t time.Time) string {
	return path.Join(a.cfg.Prefix, "fanouts", name, t.UTC().Format("20060102T150405.000Z")+".json")
}

// Archive stores snap as a JSON document.
func (a *S3Archiver) Archive(ctx context.Context, snap *ledger.Snapshot) error {
	now := a.cfg.Clock.Now()
	doc := Document{ArchivedAt: now.UTC(), Snapshot: snap.View()}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	key := a.Key(doc.Snapshot.Fanout.Name, now)
	_, err = a.cfg.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"fanout": snap.Address.String(),
		},
	})
	if err != nil {
		metrics.ArchiveUploadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to upload s3://%s/%s: %w", a.cfg.Bucket, key, err)
	}
	metrics.ArchiveUploadsTotal.WithLabelValues("ok").Inc()
	a.log.Info("archive: uploaded fanout snapshot", "fanout", snap.Address, "bucket", a.cfg.Bucket, "key", key, "bytes", len(body))
	return nil
}
