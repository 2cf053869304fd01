package state

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/stackform-io/stackform/internal/errors"
	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/logging"
)

// S3Config configures the remote snapshot store.
type S3Config struct {
	Bucket    string `json:"bucket" mapstructure:"bucket"`
	Prefix    string `json:"prefix" mapstructure:"prefix"`
	Region    string `json:"region" mapstructure:"region"`
	LockTable string `json:"lockTable" mapstructure:"lock_table"`
	Profile   string `json:"profile" mapstructure:"profile"`
	Encrypt   bool   `json:"encrypt" mapstructure:"encrypt"`
}

// S3Store keeps snapshot versions as immutable S3 objects and the scope
// lock as a conditional DynamoDB item with a heartbeat lease.
//
//	s3://<bucket>/<prefix>/<scope>/versions/00000001.json
//	dynamodb item: {LockID: <prefix>/<scope>, Token, Holder, RenewedAt, LeaseSeconds}
type S3Store struct {
	cfg      S3Config
	s3Client *s3.Client
	dbClient *dynamodb.Client
}

func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.KindConfig, "s3 backend requires a bucket")
	}
	if cfg.LockTable == "" {
		return nil, errors.New(errors.KindConfig, "s3 backend requires a lock table")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "stackform"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "loading AWS config")
	}

	return &S3Store{
		cfg:      cfg,
		s3Client: s3.NewFromConfig(awsCfg),
		dbClient: dynamodb.NewFromConfig(awsCfg),
	}, nil
}

func (s *S3Store) lockID(scope string) string {
	return fmt.Sprintf("%s/%s", s.cfg.Prefix, scope)
}

func (s *S3Store) versionPrefix(scope string) string {
	return fmt.Sprintf("%s/%s/versions/", s.cfg.Prefix, scope)
}

// AcquireLock implements Store.
func (s *S3Store) AcquireLock(ctx context.Context, scope string, opts LockOptions) (string, error) {
	opts = opts.withDefaults()
	deadline := time.Now().Add(opts.Wait)

	for {
		token, err := s.tryLock(ctx, scope, opts)
		if err == nil {
			return token, nil
		}
		if !errors.IsKind(err, errors.KindLockHeld) {
			return "", err
		}
		if opts.Wait <= 0 || time.Now().After(deadline) {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", errors.Wrap(ctx.Err(), errors.KindLockHeld, "lock wait cancelled")
		case <-time.After(opts.RetryInterval):
		}
	}
}

func (s *S3Store) tryLock(ctx context.Context, scope string, opts LockOptions) (string, error) {
	token := uuid.New().String()
	now := time.Now().UTC()

	// The conditional put succeeds when no lock item exists or when the
	// existing holder's lease expired without a heartbeat.
	_, err := s.dbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.cfg.LockTable),
		Item: map[string]dbtypes.AttributeValue{
			"LockID":       &dbtypes.AttributeValueMemberS{Value: s.lockID(scope)},
			"Token":        &dbtypes.AttributeValueMemberS{Value: token},
			"Holder":       &dbtypes.AttributeValueMemberS{Value: opts.Holder},
			"AcquiredAt":   &dbtypes.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
			"RenewedAt":    &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			"LeaseSeconds": &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(int64(opts.LeaseTTL/time.Second), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID) OR RenewedAt < :stale"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":stale": &dbtypes.AttributeValueMemberN{
				Value: strconv.FormatInt(now.Add(-opts.LeaseTTL).Unix(), 10),
			},
		},
	})
	if err != nil {
		var cond *dbtypes.ConditionalCheckFailedException
		if stderrors.As(err, &cond) {
			return "", errors.Newf(errors.KindLockHeld, "scope %s is locked", scope)
		}
		return "", errors.Wrap(err, errors.KindStateIO, "acquiring lock")
	}
	return token, nil
}

// RenewLock implements Store.
func (s *S3Store) RenewLock(ctx context.Context, scope, token string) error {
	_, err := s.dbClient.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.cfg.LockTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: s.lockID(scope)},
		},
		UpdateExpression:    aws.String("SET RenewedAt = :now"),
		ConditionExpression: aws.String("#tok = :token"),
		ExpressionAttributeNames: map[string]string{
			"#tok": "Token",
		},
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":now":   &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Unix(), 10)},
			":token": &dbtypes.AttributeValueMemberS{Value: token},
		},
	})
	if err != nil {
		var cond *dbtypes.ConditionalCheckFailedException
		if stderrors.As(err, &cond) {
			return errors.Newf(errors.KindStaleLock, "lock for scope %s is held by another run", scope)
		}
		return errors.Wrap(err, errors.KindStateIO, "renewing lock")
	}
	return nil
}

// ReleaseLock implements Store.
func (s *S3Store) ReleaseLock(ctx context.Context, scope, token string) error {
	_, err := s.dbClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.cfg.LockTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: s.lockID(scope)},
		},
		ConditionExpression: aws.String("#tok = :token"),
		ExpressionAttributeNames: map[string]string{
			"#tok": "Token",
		},
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":token": &dbtypes.AttributeValueMemberS{Value: token},
		},
	})
	if err != nil {
		var cond *dbtypes.ConditionalCheckFailedException
		if stderrors.As(err, &cond) {
			return errors.Newf(errors.KindStaleLock, "lock for scope %s is held by another run", scope)
		}
		return errors.Wrap(err, errors.KindStateIO, "releasing lock")
	}
	return nil
}

// ReadSnapshot implements Store.
func (s *S3Store) ReadSnapshot(ctx context.Context, scope string) (*ir.Snapshot, error) {
	latest, key, err := s.latestVersion(ctx, scope)
	if err != nil {
		return nil, err
	}
	if latest == 0 {
		return nil, nil
	}

	result, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStateIO,
			fmt.Sprintf("reading s3://%s/%s", s.cfg.Bucket, key))
	}
	defer result.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(result.Body); err != nil {
		return nil, errors.Wrap(err, errors.KindStateIO, "reading snapshot body")
	}
	return decodeSnapshot(buf.Bytes())
}

// WriteSnapshot implements Store.
func (s *S3Store) WriteSnapshot(ctx context.Context, scope string, snap *ir.Snapshot, token string) error {
	if err := s.verifyLock(ctx, scope, token); err != nil {
		return err
	}

	latest, _, err := s.latestVersion(ctx, scope)
	if err != nil {
		return err
	}
	if snap.Version <= latest {
		return errors.Newf(errors.KindStateIO,
			"snapshot version %d is not greater than committed version %d", snap.Version, latest)
	}

	payload, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}

	key := s.versionPrefix(scope) + versionFile(snap.Version)
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(payload),
		// Versions are append-only. The precondition turns a concurrent
		// double-write of the same version into a hard failure.
		IfNoneMatch: aws.String("*"),
	}
	if s.cfg.Encrypt {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}

	if _, err := s.s3Client.PutObject(ctx, input); err != nil {
		return errors.Wrap(err, errors.KindStateIO,
			fmt.Sprintf("writing s3://%s/%s", s.cfg.Bucket, key))
	}
	logging.Debug("snapshot committed", "scope", scope, "version", snap.Version, "backend", "s3")
	return nil
}

func (s *S3Store) verifyLock(ctx context.Context, scope, token string) error {
	out, err := s.dbClient.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.cfg.LockTable),
		ConsistentRead: aws.Bool(true),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: s.lockID(scope)},
		},
	})
	if err != nil {
		return errors.Wrap(err, errors.KindStateIO, "checking lock")
	}
	if out.Item == nil {
		return errors.Newf(errors.KindStaleLock, "scope %s has no active lock", scope)
	}
	held, ok := out.Item["Token"].(*dbtypes.AttributeValueMemberS)
	if !ok || held.Value != token {
		return errors.Newf(errors.KindStaleLock,
			"write to scope %s rejected: lock token does not match current holder", scope)
	}
	return nil
}

func (s *S3Store) latestVersion(ctx context.Context, scope string) (int, string, error) {
	prefix := s.versionPrefix(scope)
	var versions []int

	paginator := s3.NewListObjectsV2Paginator(s.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, "", errors.Wrap(err, errors.KindStateIO, "listing snapshot versions")
		}
		for _, obj := range page.Contents {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(obj.Key), prefix), ".json")
			if v, err := strconv.Atoi(name); err == nil {
				versions = append(versions, v)
			}
		}
	}
	if len(versions) == 0 {
		return 0, "", nil
	}
	sort.Ints(versions)
	latest := versions[len(versions)-1]
	return latest, prefix + versionFile(latest), nil
}
