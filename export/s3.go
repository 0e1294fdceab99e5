package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/warp/punch-ledger/production"
)

// uploader is the subset of *manager.Uploader the archiver uses.
type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver writes punch history CSVs to object storage. Credentials and
// region come from the default AWS chain (AWS_REGION, AWS_PROFILE, ...).
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader uploader
}

func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(s3.NewFromConfig(cfg)),
	}, nil
}

// Key returns the object key for an order's report generated at ts.
func (a *S3Archiver) Key(id production.OrderID, ts time.Time) string {
	year, month, day := ts.UTC().Date()
	return path.Join(a.prefix, "punch-reports",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		string(id)+".csv",
	)
}

// Archive uploads the CSV of history and returns the s3:// URI.
func (a *S3Archiver) Archive(ctx context.Context, id production.OrderID, history production.History, ts time.Time) (string, error) {
	body, err := CSV(history)
	if err != nil {
		return "", fmt.Errorf("render csv: %w", err)
	}
	key := a.Key(id, ts)
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("text/csv"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return "s3://" + a.bucket + "/" + key, nil
}
