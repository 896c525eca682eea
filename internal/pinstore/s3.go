package pinstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/bigkaa/evidence-vault/internal/domain/failure"
	"github.com/bigkaa/evidence-vault/internal/domain/model"
)

// cidMetadataKey — ключ пользовательских метаданных объекта, в котором
// IPFS-шлюз сообщает CID закреплённого содержимого.
const cidMetadataKey = "cid"

// S3Config — параметры S3-совместимого IPFS-шлюза.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// s3API — используемое подмножество *s3.Client.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3 — tier A поверх S3-совместимого IPFS pinning-шлюза.
// Ключ объекта — отпечаток содержимого, CID шлюз возвращает в метаданных.
type S3 struct {
	client s3API
	bucket string
	logger *slog.Logger
	now    func() time.Time
}

// NewS3 создаёт клиент S3-шлюза со статическими учётными данными.
func NewS3(cfg S3Config, logger *slog.Logger) *S3 {
	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}

	logger.Info("S3 pinning-шлюз настроен",
		slog.String("endpoint", cfg.Endpoint),
		slog.String("bucket", cfg.Bucket),
	)

	return &S3{
		client: s3.NewFromConfig(awsCfg, opts...),
		bucket: cfg.Bucket,
		logger: logger.With(slog.String("component", "s3_pinstore")),
		now:    time.Now,
	}
}

// Pin загружает объект и читает CID, присвоенный шлюзом.
func (s *S3) Pin(ctx context.Context, req model.PinRequest) (*model.PinResult, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(req.Fingerprint),
		Body:          bytes.NewReader(req.Data),
		ContentLength: aws.Int64(int64(len(req.Data))),
		ContentType:   aws.String(req.MimeType),
	})
	if err != nil {
		return nil, s3Failure("pin", err)
	}

	meta, err := s.head(ctx, "pin", req.Fingerprint)
	if err != nil {
		return nil, err
	}
	raw, ok := meta.Metadata[cidMetadataKey]
	if !ok {
		// Шлюз ещё не назначил CID: следующая попытка прочитает его
		return nil, failure.New(failure.Retryable, "pin",
			fmt.Errorf("шлюз не вернул CID для %s", req.Fingerprint))
	}
	c, err := parseTierAID("pin", raw)
	if err != nil {
		return nil, err
	}

	size := int64(len(req.Data))
	if meta.ContentLength != nil {
		size = *meta.ContentLength
	}

	s.logger.Debug("Объект закреплён в S3-шлюзе",
		slog.String("fingerprint", req.Fingerprint),
		slog.String("cid", c.String()),
	)

	return &model.PinResult{
		TierAID:   c.String(),
		SizeBytes: size,
		PinnedAt:  s.now().UTC(),
	}, nil
}

// Unpin удаляет объект. Отсутствующий объект — failure.ErrNotFound.
func (s *S3) Unpin(ctx context.Context, ref model.PinRef) error {
	if _, err := s.head(ctx, "unpin", ref.Fingerprint); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref.Fingerprint),
	})
	if err != nil {
		return s3Failure("unpin", err)
	}
	return nil
}

// GetMetadata читает метаданные объекта. Объект с другим CID считается
// отсутствующим: закреплено не то содержимое, которое записано в реестре.
func (s *S3) GetMetadata(ctx context.Context, ref model.PinRef) (*model.PinMetadata, error) {
	meta, err := s.head(ctx, "get_metadata", ref.Fingerprint)
	if err != nil {
		return nil, err
	}

	got := meta.Metadata[cidMetadataKey]
	if ref.TierAID != "" && got != ref.TierAID {
		return nil, failure.New(failure.NotFound, "get_metadata",
			fmt.Errorf("CID объекта %q не совпадает с %q: %w", got, ref.TierAID, failure.ErrNotFound))
	}

	return &model.PinMetadata{
		TierAID:  got,
		Type:     "s3",
		Metadata: meta.Metadata,
	}, nil
}

func (s *S3) head(ctx context.Context, op, key string) (*s3.HeadObjectOutput, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s3Failure(op, err)
	}
	return out, nil
}

// s3Failure классифицирует ошибку AWS SDK.
func s3Failure(op string, err error) error {
	var (
		notFound *types.NotFound
		noKey    *types.NoSuchKey
	)
	if errors.As(err, &notFound) || errors.As(err, &noKey) {
		return failure.New(failure.NotFound, op, fmt.Errorf("%v: %w", err, failure.ErrNotFound))
	}

	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		status := re.HTTPStatusCode()
		if status == http.StatusNotFound {
			return failure.New(failure.NotFound, op, fmt.Errorf("%v: %w", err, failure.ErrNotFound))
		}
		return failure.FromHTTPStatus(op, status, err.Error())
	}
	return failure.Wrap(op, err)
}
