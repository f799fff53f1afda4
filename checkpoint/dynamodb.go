package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/maxpert/oplogtail/cfg"
	"github.com/rs/zerolog/log"
)

// Attribute names of the checkpoint table
const (
	attrCluster    = "cluster"
	attrReplicaSet = "replicaset"
	attrOrdinal    = "ldt" // last document time
	attrEndpoint   = "conn"
	attrUpdatedAt  = "updated_at"
)

const (
	defaultDynamoDBTable = "oplogtail_checkpoints"
	tableCreateTimeout   = 5 * time.Minute
)

func init() {
	Register(cfg.StoreDynamoDB, func(ctx context.Context, config cfg.CheckpointConfiguration) (Store, error) {
		client, err := newDynamoDBClient(ctx, config.DynamoDB)
		if err != nil {
			return nil, err
		}
		return NewDynamoDBStore(ctx, client, config.DynamoDB.Table)
	})
}

// DynamoDBAPI is the subset of the DynamoDB client used by the store
type DynamoDBAPI interface {
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDBStore persists checkpoints in a DynamoDB table keyed by
// (cluster, replicaset)
type DynamoDBStore struct {
	client DynamoDBAPI
	table  string
}

func newDynamoDBClient(ctx context.Context, config cfg.DynamoDBConfiguration) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if config.Region != "" {
		opts = append(opts, awsconfig.WithRegion(config.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
	}), nil
}

// NewDynamoDBStore creates the store, creating the table and waiting for it
// to become active when it does not exist yet
func NewDynamoDBStore(ctx context.Context, client DynamoDBAPI, table string) (*DynamoDBStore, error) {
	if table == "" {
		table = defaultDynamoDBTable
	}
	s := &DynamoDBStore{client: client, table: table}

	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DynamoDBStore) ensureTable(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err == nil {
		log.Info().Str("table", s.table).Msg("DynamoDB checkpoint table discovered")
		return nil
	}

	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to describe table %s: %w", s.table, err)
	}

	log.Info().Str("table", s.table).Msg("Creating DynamoDB checkpoint table")
	_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrCluster), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(attrReplicaSet), KeyType: types.KeyTypeRange},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrCluster), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrReplicaSet), AttributeType: types.ScalarAttributeTypeS},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}, tableCreateTimeout); err != nil {
		return fmt.Errorf("table %s did not become active: %w", s.table, err)
	}
	return nil
}

// Read returns the stored ordinal for id
func (s *DynamoDBStore) Read(ctx context.Context, id Identity) (uint64, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            itemKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to read checkpoint for %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		return 0, false, nil
	}

	ordinal, err := numberAttr(out.Item, attrOrdinal)
	if err != nil {
		return 0, false, fmt.Errorf("corrupted checkpoint for %s: %w", id, err)
	}

	log.Debug().Str("tailer", id.String()).Uint64("ordinal", ordinal).Msg("Read checkpoint")
	return ordinal, true, nil
}

// Write updates ldt, conn and updated_at of the item for id
func (s *DynamoDBStore) Write(ctx context.Context, id Identity, ordinal uint64, endpoint string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              itemKey(id),
		UpdateExpression: aws.String("SET #ldt = :ldt, #upd = :upd, #conn = :conn"),
		ExpressionAttributeNames: map[string]string{
			"#ldt":  attrOrdinal,
			"#upd":  attrUpdatedAt,
			"#conn": attrEndpoint,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ldt":  &types.AttributeValueMemberN{Value: strconv.FormatUint(ordinal, 10)},
			":upd":  &types.AttributeValueMemberS{Value: nowFunc().Format(time.RFC3339Nano)},
			":conn": &types.AttributeValueMemberS{Value: endpoint},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write checkpoint for %s: %w", id, err)
	}
	return nil
}

// ListAll scans the whole table with consistent reads
func (s *DynamoDBStore) ListAll(ctx context.Context) ([]Record, error) {
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:      aws.String(s.table),
		ConsistentRead: aws.Bool(true),
	})

	records := make([]Record, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", s.table, err)
		}
		for _, item := range page.Items {
			rec, err := recordFromItem(item)
			if err != nil {
				log.Warn().Err(err).Str("table", s.table).Msg("Skipping malformed checkpoint item")
				continue
			}
			records = append(records, rec)
		}
	}

	sortRecords(records)
	return records, nil
}

// Close is a no-op; the client holds no connections that need releasing
func (s *DynamoDBStore) Close() error {
	return nil
}

func itemKey(id Identity) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrCluster:    &types.AttributeValueMemberS{Value: id.Cluster},
		attrReplicaSet: &types.AttributeValueMemberS{Value: id.ReplicaSet},
	}
}

func recordFromItem(item map[string]types.AttributeValue) (Record, error) {
	var rec Record
	rec.Identity.Cluster = stringAttr(item, attrCluster)
	rec.Identity.ReplicaSet = stringAttr(item, attrReplicaSet)
	if rec.Identity.Cluster == "" {
		return rec, fmt.Errorf("missing %s attribute", attrCluster)
	}

	ordinal, err := numberAttr(item, attrOrdinal)
	if err != nil {
		return rec, err
	}
	rec.Ordinal = ordinal
	rec.Endpoint = stringAttr(item, attrEndpoint)

	if ts := stringAttr(item, attrUpdatedAt); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.UpdatedAt = t.UTC()
		}
	}
	return rec, nil
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func numberAttr(item map[string]types.AttributeValue, name string) (uint64, error) {
	v, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("missing numeric %s attribute", name)
	}
	return strconv.ParseUint(v.Value, 10, 64)
}
