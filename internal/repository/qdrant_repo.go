package repository

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"github.com/timmy/movierec/internal/domain"
	"github.com/timmy/movierec/internal/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

const (
	qdrantUpsertBatch = 256
	payloadID         = "id"
	payloadGenres     = "genres"
)

// pointNamespace derives stable qdrant UUIDs from catalog and user ids.
var pointNamespace = uuid.MustParse("6f1c2d4e-8a3b-4f5c-9d7e-1a2b3c4d5e6f")

// QdrantConnectionConfig holds configuration for Qdrant connection
type QdrantConnectionConfig struct {
	Host   string
	Port   int
	APIKey string // Qdrant Cloud API Key (enables TLS automatically)
	UseTLS bool   // Explicitly enable TLS without API Key
}

// apiKeyInterceptor creates a unary interceptor that adds API key to metadata
func apiKeyInterceptor(apiKey string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", apiKey)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// QdrantIndex serves ANN queries from Qdrant. Every logical collection is an
// alias; Replace fills a fresh physical collection and repoints the alias.
type QdrantIndex struct {
	conn          *grpc.ClientConn
	pointsClient  pb.PointsClient
	collectClient pb.CollectionsClient
}

// NewQdrantIndex creates a new QdrantIndex.
// Supports both local Qdrant (insecure) and Qdrant Cloud (TLS + API Key)
func NewQdrantIndex(cfg *QdrantConnectionConfig) (*QdrantIndex, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var opts []grpc.DialOption

	// TLS is enabled if: APIKey is set OR UseTLS is explicitly true
	useTLS := cfg.UseTLS || cfg.APIKey != ""

	if useTLS {
		creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS13})
		opts = append(opts, grpc.WithTransportCredentials(creds))
		if cfg.APIKey != "" {
			opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
		}
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	return &QdrantIndex{
		conn:          conn,
		pointsClient:  pb.NewPointsClient(conn),
		collectClient: pb.NewCollectionsClient(conn),
	}, nil
}

// Close closes the gRPC connection
func (q *QdrantIndex) Close() error {
	return q.conn.Close()
}

func physicalName(alias string) string {
	return fmt.Sprintf("%s_%d", alias, time.Now().UnixNano())
}

// EnsureCollection creates a physical collection behind the alias if the
// alias does not resolve yet, and checks the vector size if it does.
func (q *QdrantIndex) EnsureCollection(ctx context.Context, collection string, dim int) error {
	info, err := q.collectClient.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: collection})
	if err == nil {
		if size, ok := collectionVectorSize(info.GetResult()); ok && size != uint64(dim) {
			return fmt.Errorf("collection %s has vector size %d, expected %d", collection, size, dim)
		}
		return nil
	}

	physical := physicalName(collection)
	if err := q.createPhysical(ctx, physical, dim); err != nil {
		return err
	}
	return q.pointAlias(ctx, collection, physical, false)
}

func (q *QdrantIndex) createPhysical(ctx context.Context, name string, dim int) error {
	_, err := q.collectClient.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dim),
					Distance: pb.Distance_Cosine,
				},
			},
		},
		HnswConfig: &pb.HnswConfigDiff{
			M:                 optionalUint64(16),
			EfConstruct:       optionalUint64(128),
			FullScanThreshold: optionalUint64(10000),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	return nil
}

// pointAlias moves alias onto physical in one request. The delete is only
// sent when the alias already exists.
func (q *QdrantIndex) pointAlias(ctx context.Context, alias, physical string, exists bool) error {
	var actions []*pb.AliasOperations
	if exists {
		actions = append(actions, &pb.AliasOperations{
			Action: &pb.AliasOperations_DeleteAlias{DeleteAlias: &pb.DeleteAlias{AliasName: alias}},
		})
	}
	actions = append(actions, &pb.AliasOperations{
		Action: &pb.AliasOperations_CreateAlias{CreateAlias: &pb.CreateAlias{CollectionName: physical, AliasName: alias}},
	})
	_, err := q.collectClient.UpdateAliases(ctx, &pb.ChangeAliases{Actions: actions})
	if err != nil {
		return fmt.Errorf("failed to point alias %s at %s: %w", alias, physical, err)
	}
	return nil
}

// aliasTarget returns the physical collection behind alias, "" if none.
func (q *QdrantIndex) aliasTarget(ctx context.Context, alias string) (string, error) {
	resp, err := q.collectClient.ListAliases(ctx, &pb.ListAliasesRequest{})
	if err != nil {
		return "", fmt.Errorf("failed to list aliases: %w", err)
	}
	for _, a := range resp.GetAliases() {
		if a.GetAliasName() == alias {
			return a.GetCollectionName(), nil
		}
	}
	return "", nil
}

func optionalUint64(v uint64) *uint64 {
	return &v
}

func collectionVectorSize(info *pb.CollectionInfo) (uint64, bool) {
	if info == nil {
		return 0, false
	}

	config := info.GetConfig()
	if config == nil {
		return 0, false
	}

	params := config.GetParams()
	if params == nil {
		return 0, false
	}

	vectors := params.GetVectorsConfig()
	if vectors == nil {
		return 0, false
	}

	if single := vectors.GetParams(); single != nil {
		if size := single.GetSize(); size > 0 {
			return size, true
		}
	}
	return 0, false
}

func pointID(id string) *pb.PointId {
	return &pb.PointId{
		PointIdOptions: &pb.PointId_Uuid{Uuid: uuid.NewSHA1(pointNamespace, []byte(id)).String()},
	}
}

func stringsToValue(values []string) *pb.Value {
	out := make([]*pb.Value, len(values))
	for i, v := range values {
		out[i] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
	}
	return &pb.Value{
		Kind: &pb.Value_ListValue{
			ListValue: &pb.ListValue{Values: out},
		},
	}
}

func toPointStruct(p VectorPoint) *pb.PointStruct {
	return &pb.PointStruct{
		Id: pointID(p.ID),
		Vectors: &pb.Vectors{
			VectorsOptions: &pb.Vectors_Vector{
				Vector: &pb.Vector{Data: p.Vector},
			},
		},
		Payload: map[string]*pb.Value{
			payloadID:     {Kind: &pb.Value_StringValue{StringValue: p.ID}},
			payloadGenres: stringsToValue(p.Genres),
		},
	}
}

func (q *QdrantIndex) upsertInto(ctx context.Context, collection string, points []VectorPoint) error {
	wait := true
	for lo := 0; lo < len(points); lo += qdrantUpsertBatch {
		hi := lo + qdrantUpsertBatch
		if hi > len(points) {
			hi = len(points)
		}
		batch := make([]*pb.PointStruct, 0, hi-lo)
		for _, p := range points[lo:hi] {
			batch = append(batch, toPointStruct(p))
		}
		if _, err := q.pointsClient.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: collection,
			Wait:           &wait,
			Points:         batch,
		}); err != nil {
			return fmt.Errorf("failed to upsert points into %s: %w", collection, err)
		}
	}
	return nil
}

// Upsert inserts or updates points in place.
func (q *QdrantIndex) Upsert(ctx context.Context, collection string, points []VectorPoint) error {
	return q.upsertInto(ctx, collection, points)
}

// Replace builds a new physical collection, swaps the alias onto it and
// drops the previous one.
func (q *QdrantIndex) Replace(ctx context.Context, collection string, points []VectorPoint) error {
	if len(points) == 0 {
		return domain.Validation("vector_index", "refusing to replace %s with an empty set", collection)
	}
	dim := len(points[0].Vector)

	previous, err := q.aliasTarget(ctx, collection)
	if err != nil {
		return err
	}

	physical := physicalName(collection)
	if err := q.createPhysical(ctx, physical, dim); err != nil {
		return err
	}
	if err := q.upsertInto(ctx, physical, points); err != nil {
		q.dropCollection(ctx, physical)
		return err
	}
	if err := q.pointAlias(ctx, collection, physical, previous != ""); err != nil {
		q.dropCollection(ctx, physical)
		return err
	}
	if previous != "" {
		q.dropCollection(ctx, previous)
	}

	logger.With(logger.Fields{"collection": collection, "physical": physical}).
		WithCount(len(points)).
		Info(ctx, "Replaced qdrant collection %s", collection)
	return nil
}

func (q *QdrantIndex) dropCollection(ctx context.Context, name string) {
	if _, err := q.collectClient.Delete(ctx, &pb.DeleteCollection{CollectionName: name}); err != nil {
		logger.CtxWarn(ctx, "Failed to drop qdrant collection %s: %v", name, err)
	}
}

func buildFilter(filter *VectorFilter) *pb.Filter {
	if filter == nil {
		return nil
	}
	f := &pb.Filter{}
	if len(filter.AnyGenres) > 0 {
		f.Must = append(f.Must, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key: payloadGenres,
					Match: &pb.Match{
						MatchValue: &pb.Match_Keywords{Keywords: &pb.RepeatedStrings{Strings: filter.AnyGenres}},
					},
				},
			},
		})
	}
	if len(filter.ExcludeIDs) > 0 {
		ids := make([]*pb.PointId, len(filter.ExcludeIDs))
		for i, id := range filter.ExcludeIDs {
			ids[i] = pointID(id)
		}
		f.MustNot = append(f.MustNot, &pb.Condition{
			ConditionOneOf: &pb.Condition_HasId{HasId: &pb.HasIdCondition{HasId: ids}},
		})
	}
	if len(f.Must) == 0 && len(f.MustNot) == 0 {
		return nil
	}
	return f
}

// Nearest performs a cosine similarity search and reports distance as 1 - score.
func (q *QdrantIndex) Nearest(ctx context.Context, collection string, query domain.Vector, k int, filter *VectorFilter) ([]Neighbor, error) {
	resp, err := q.pointsClient.Search(ctx, &pb.SearchPoints{
		CollectionName: collection,
		Vector:         query,
		Limit:          uint64(k),
		Filter:         buildFilter(filter),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", collection, err)
	}

	hits := make([]Neighbor, 0, len(resp.GetResult()))
	for _, scored := range resp.GetResult() {
		id := scored.GetPayload()[payloadID].GetStringValue()
		if id == "" {
			continue
		}
		hits = append(hits, Neighbor{ID: id, Distance: 1 - float64(scored.GetScore())})
	}
	return sortNeighbors(hits, k), nil
}
