package vectorindex

import (
	"context"
	"fmt"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/lumenlog/logpipe/engine/logmodel"
	"github.com/lumenlog/logpipe/pkg/checkpoint"
)

// upsertRetries is the retry budget for a transient upsert failure (§4.11).
const upsertRetries = 3

// upsertBackoffBase is the base delay doubled on each retry.
const upsertBackoffBase = 200 * time.Millisecond

// Writer is the sole owner of all Qdrant operations for the embedding
// worker (C11). It targets one collection name, auto-suffixing it when an
// existing collection disagrees on vector dimension.
type Writer struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient

	baseCollection string
	dimension      int
	active         string // resolved collection name, set by EnsureCollection

	metrics *checkpoint.MetricsRegistry // optional, for upsert latency/success
}

// New dials Qdrant at addr and targets the given base collection name.
func New(addr, collection string, dimension int, metrics *checkpoint.MetricsRegistry) (*Writer, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("vectorindex: dial qdrant %s: %w", addr, err)
	}
	return &Writer{
		conn:           conn,
		points:         pb.NewPointsClient(conn),
		collections:    pb.NewCollectionsClient(conn),
		baseCollection: collection,
		dimension:      dimension,
		metrics:        metrics,
	}, nil
}

// NewWithClients builds a Writer over already-constructed clients, for tests.
func NewWithClients(points pb.PointsClient, collections pb.CollectionsClient, collection string, dimension int) *Writer {
	return &Writer{points: points, collections: collections, baseCollection: collection, dimension: dimension}
}

// Close closes the underlying gRPC connection, if the Writer owns one.
func (w *Writer) Close() error {
	if w.conn == nil {
		return nil
	}
	return w.conn.Close()
}

// Collection returns the collection name actually in use, resolved by the
// last successful EnsureCollection call (the dimension-suffixed name if a
// mismatch was detected).
func (w *Writer) Collection() string {
	if w.active != "" {
		return w.active
	}
	return w.baseCollection
}

// suffixedName implements the dimension auto-switch naming rule (§3, §4.11):
// logs_embedded_qwen3 for the well-known 1024-dim model, else <name>_v<D>.
func suffixedName(base string, dims int) string {
	if dims == 1024 {
		return base + "_qwen3"
	}
	return fmt.Sprintf("%s_v%d", base, dims)
}

// EnsureCollection makes sure a collection exists with (size=dimension,
// distance=cosine) and the payload indexes §4.11 requires. If a collection
// already exists at the base name with a different dimension, the Writer
// retargets itself at a dimension-suffixed collection instead of altering
// the original — SchemaMismatch is non-fatal by design (§7.2).
func (w *Writer) EnsureCollection(ctx context.Context) error {
	name := w.baseCollection

	exists, dims, err := w.describe(ctx, name)
	if err != nil {
		return fmt.Errorf("vectorindex: describe %s: %w", name, err)
	}
	if exists && dims != w.dimension {
		name = suffixedName(w.baseCollection, w.dimension)
		exists, _, err = w.describe(ctx, name)
		if err != nil {
			return fmt.Errorf("vectorindex: describe %s: %w", name, err)
		}
	}

	if !exists {
		if err := w.createCollection(ctx, name); err != nil {
			return err
		}
		if err := w.createPayloadIndexes(ctx, name); err != nil {
			return err
		}
	}

	w.active = name
	return nil
}

// describe reports whether a collection exists and, if so, its configured
// vector dimension.
func (w *Writer) describe(ctx context.Context, name string) (exists bool, dims int, err error) {
	list, err := w.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return false, 0, fmt.Errorf("list collections: %w", err)
	}
	found := false
	for _, c := range list.GetCollections() {
		if c.GetName() == name {
			found = true
			break
		}
	}
	if !found {
		return false, 0, nil
	}

	info, err := w.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name})
	if err != nil {
		return true, 0, fmt.Errorf("get collection %s: %w", name, err)
	}
	size := info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
	return true, int(size), nil
}

func (w *Writer) createCollection(ctx context.Context, name string) error {
	_, err := w.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(w.dimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorindex: create collection %s: %w", name, err)
	}
	return nil
}

func (w *Writer) createPayloadIndexes(ctx context.Context, name string) error {
	for _, field := range KeywordIndexFields {
		ft := pb.FieldType_FieldTypeKeyword
		if _, err := w.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
			CollectionName: name,
			FieldName:      field,
			FieldType:      &ft,
		}); err != nil {
			return fmt.Errorf("vectorindex: index %s.%s: %w", name, field, err)
		}
	}
	for _, field := range IntegerIndexFields {
		ft := pb.FieldType_FieldTypeInteger
		if _, err := w.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
			CollectionName: name,
			FieldName:      field,
			FieldType:      &ft,
		}); err != nil {
			return fmt.Errorf("vectorindex: index %s.%s: %w", name, field, err)
		}
	}
	return nil
}

// Reconcile walks the existing collections and, when the base collection's
// dimension disagrees with w.dimension, ensures the dimension-suffixed
// collection exists, creating it with w.dimension if absent (an existing
// suffixed collection is used without checking its config) — the concrete shape of the
// "Dimension auto-switch" testable property (§8 scenario 6). It never
// deletes or alters the mismatched collection; operators retire it by hand.
func (w *Writer) Reconcile(ctx context.Context) (retargeted bool, collection string, err error) {
	if err := w.EnsureCollection(ctx); err != nil {
		return false, "", err
	}
	return w.active != w.baseCollection, w.active, nil
}

// Upsert writes a page of embedding points, skipping zero vectors (the
// Embedder Client's failure marker — §4.10) and retrying transient
// failures up to upsertRetries times with exponential backoff (§4.11).
// Latency and success are recorded into the metrics registry when one is
// configured.
func (w *Writer) Upsert(ctx context.Context, points []logmodel.EmbeddingPoint) error {
	live := make([]*pb.PointStruct, 0, len(points))
	for _, p := range points {
		if isZeroVector(p.Vector) {
			continue
		}
		live = append(live, toPointStruct(p))
	}
	if len(live) == 0 {
		return nil
	}

	collection := w.Collection()
	wait := true
	var lastErr error
	delay := upsertBackoffBase
	for attempt := 0; attempt <= upsertRetries; attempt++ {
		start := time.Now()
		_, err := w.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: collection,
			Wait:           &wait,
			Points:         live,
		})
		latency := time.Since(start)
		if w.metrics != nil {
			w.metrics.RecordLatency("qdrant", latency)
			if err != nil {
				w.metrics.RecordError("qdrant")
			}
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == upsertRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("vectorindex: upsert %d points into %s: %w", len(live), collection, lastErr)
}

func isZeroVector(v []float32) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return len(v) > 0 // an empty vector is also unusable, but distinct from "zero"
}

func toPointStruct(p logmodel.EmbeddingPoint) *pb.PointStruct {
	payload := make(map[string]*pb.Value, len(p.Payload()))
	for k, val := range p.Payload() {
		payload[k] = toValue(val)
	}
	return &pb.PointStruct{
		Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: p.PointID}},
		Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Vector}}},
		Payload: payload,
	}
}

func toValue(v any) *pb.Value {
	switch tv := v.(type) {
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
	}
}

// Search performs k-NN similarity search with optional keyword filters, for
// the out-of-scope agent runtime's read path.
func (w *Writer) Search(ctx context.Context, vector []float32, topK int, filters map[string]string) ([]SearchResult, error) {
	req := &pb.SearchPoints{
		CollectionName: w.Collection(),
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if len(filters) > 0 {
		must := make([]*pb.Condition, 0, len(filters))
		for k, v := range filters {
			must = append(must, fieldMatch(k, v))
		}
		req.Filter = &pb.Filter{Must: must}
	}

	resp, err := w.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: search: %w", err)
	}

	out := make([]SearchResult, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		payload := make(map[string]any, len(r.GetPayload()))
		for k, v := range r.GetPayload() {
			payload[k] = fromValue(v)
		}
		out[i] = SearchResult{ID: r.GetId().GetUuid(), Score: r.GetScore(), Payload: payload}
	}
	return out, nil
}

func fromValue(v *pb.Value) any {
	switch k := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return k.StringValue
	case *pb.Value_IntegerValue:
		return k.IntegerValue
	case *pb.Value_DoubleValue:
		return k.DoubleValue
	case *pb.Value_BoolValue:
		return k.BoolValue
	default:
		return nil
	}
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}
