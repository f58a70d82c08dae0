package download

import (
	"context"
	"fmt"
	"time"

	"github.com/Dhoini/friday-billing/internal/domain"
	"github.com/Dhoini/friday-billing/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Время жизни ссылки на установщик
const urlExpiry = 5 * time.Minute

// Config расположение установщика в S3 или совместимом хранилище.
type Config struct {
	Region          string
	Bucket          string
	Key             string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// Presigner подписывает GetObject. Реализуется *s3.PresignClient.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Service выдает временные ссылки на скачивание десктопного приложения.
type Service struct {
	cfg       Config
	presigner Presigner
	log       *logger.Logger
}

// NewService создает сервис с клиентом S3 из конфигурации.
// Пустой бакет не ошибка запуска: URL вернет ConfigurationError.
func NewService(ctx context.Context, cfg Config, log *logger.Logger) (*Service, error) {
	if cfg.Bucket == "" {
		log.Warnw("Download bucket is not configured, /download will fail")
		return &Service{cfg: cfg, log: log}, nil
	}

	awsOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsOptions = append(awsOptions,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				"",
			)),
		)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewServiceWithPresigner(cfg, s3.NewPresignClient(client), log), nil
}

// NewServiceWithPresigner создает сервис с готовым подписчиком
func NewServiceWithPresigner(cfg Config, presigner Presigner, log *logger.Logger) *Service {
	return &Service{cfg: cfg, presigner: presigner, log: log}
}

// URL возвращает подписанную ссылку на установщик.
func (s *Service) URL(ctx context.Context) (string, error) {
	if s.cfg.Bucket == "" || s.presigner == nil {
		return "", &domain.ConfigurationError{Key: "download.bucket"}
	}
	if s.cfg.Key == "" {
		return "", &domain.ConfigurationError{Key: "download.key"}
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.cfg.Key),
	}, s3.WithPresignExpires(urlExpiry))
	if err != nil {
		s.log.Errorw("Failed to presign download URL", "bucket", s.cfg.Bucket, "key", s.cfg.Key, "error", err)
		return "", fmt.Errorf("failed to presign download url: %w", err)
	}

	s.log.Debugw("Download URL issued", "bucket", s.cfg.Bucket, "key", s.cfg.Key)
	return req.URL, nil
}
