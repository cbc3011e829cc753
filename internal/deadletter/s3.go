package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the slice of the S3 client used here.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes one JSON object per letter under
// <prefix>/<source queue>/<yyyy>/<mm>/<dd>/<message id>.json.
type S3Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
	now    func() time.Time
}

func NewS3Archiver(client ObjectPutter, bucket, prefix string) (*S3Archiver, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if bucket == "" {
		return nil, errors.New("DLQ_ARCHIVE_BUCKET is required")
	}
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix, now: time.Now}, nil
}

func (a *S3Archiver) key(l Letter) string {
	src := l.Source
	if src == "" {
		src = "unknown"
	}
	id := l.MessageID
	if id == "" {
		id = strconv.FormatUint(l.delivery.DeliveryTag, 10) + "-" + strconv.FormatInt(a.now().UnixNano(), 10)
	}
	return path.Join(a.prefix, src, a.now().UTC().Format("2006/01/02"), id+".json")
}

func (a *S3Archiver) Archive(ctx context.Context, l Letter) (string, error) {
	body, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal letter: %w", err)
	}
	key := a.key(l)
	if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(body))),
	}); err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return "s3://" + a.bucket + "/" + key, nil
}
