// Package deadletter archives change events the sync engine could not apply.
package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/models"
)

const (
	keyPrefix = "deadletter/"
	// unscoped stands in for an empty key segment, e.g. a missing family.
	unscoped = "_"
)

// objectClient is the subset of *minio.Client the archive uses.
type objectClient interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
}

// Config holds S3-compatible object storage settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Enabled reports whether object storage is configured.
func (c Config) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// Archive stores dead letters as JSON objects in a bucket.
type Archive struct {
	client objectClient
	bucket string
	log    *logrus.Logger
}

// NewArchive connects to object storage and creates the bucket if missing.
func NewArchive(ctx context.Context, cfg Config, log *logrus.Logger) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object storage client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}

		log.WithField("bucket", cfg.Bucket).Info("created dead-letter bucket")
	}

	return newArchive(client, cfg.Bucket, log), nil
}

func newArchive(client objectClient, bucket string, log *logrus.Logger) *Archive {
	return &Archive{client: client, bucket: bucket, log: log}
}

// ObjectKey returns the archive key of a dead letter:
// deadletter/{familyId}/{entityType}/{externalId}/{eventId}.json.
func ObjectKey(ev models.ChangeEvent) string {
	return keyPrefix + strings.Join([]string{
		segment(ev.FamilyID),
		segment(string(ev.EntityType)),
		segment(ev.ExternalID),
		segment(ev.EventID),
	}, "/") + ".json"
}

func segment(s string) string {
	if s == "" {
		return unscoped
	}

	return url.PathEscape(s)
}

// parseKey splits an archive key back into its ref fields.
func parseKey(key string) (models.DeadLetterRef, bool) {
	parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(key, keyPrefix), ".json"), "/")
	if len(parts) != 4 {
		return models.DeadLetterRef{}, false
	}

	for i, p := range parts {
		if p == unscoped {
			parts[i] = ""
			continue
		}

		if v, err := url.PathUnescape(p); err == nil {
			parts[i] = v
		}
	}

	return models.DeadLetterRef{Key: key, EntityType: parts[1], ExternalID: parts[2], EventID: parts[3]}, true
}

// Put writes the dead letter, full payload included.
func (a *Archive) Put(ctx context.Context, dl models.DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encoding dead letter: %w", err)
	}

	key := ObjectKey(dl.Event)

	if _, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("archiving dead letter %s: %w", key, err)
	}

	a.log.WithFields(logrus.Fields{
		"key":       key,
		"event_id":  dl.Event.EventID,
		"family_id": dl.Event.FamilyID,
		"reason":    dl.Reason,
	}).Warn("event dead-lettered")

	return nil
}

// List returns up to limit archived dead letters of a family, newest first.
func (a *Archive) List(ctx context.Context, familyID string, limit int) ([]models.DeadLetterRef, error) {
	if familyID == "" {
		return nil, models.ErrMissingFamily
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	prefix := keyPrefix + segment(familyID) + "/"

	var refs []models.DeadLetterRef

	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("listing dead letters: %w", obj.Err)
		}

		ref, ok := parseKey(obj.Key)
		if !ok {
			continue
		}

		ref.Size = obj.Size
		ref.LastModified = obj.LastModified
		refs = append(refs, ref)
	}

	sort.SliceStable(refs, func(i, j int) bool {
		if !refs[i].LastModified.Equal(refs[j].LastModified) {
			return refs[i].LastModified.After(refs[j].LastModified)
		}
		return refs[i].Key < refs[j].Key
	})

	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}

	if refs == nil {
		refs = []models.DeadLetterRef{}
	}

	return refs, nil
}
