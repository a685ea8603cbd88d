package store

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"

	"github.com/qdrant/go-client/qdrant"
)

// VectorPoint is one embedding associated with a document id.
type VectorPoint struct {
	DocumentID int64
	Vector     []float32
	Payload    map[string]string
}

// VectorMatch is a similarity search hit.
type VectorMatch struct {
	DocumentID int64
	Score      float32
}

// VectorCollection is the side-store C1 keeps alongside SQLite. It is
// permitted to be unavailable at any time; callers degrade to lexical-only
// retrieval rather than fail when it is down (spec §4.2).
type VectorCollection interface {
	Upsert(ctx context.Context, points []VectorPoint) error
	Query(ctx context.Context, vector []float32, limit int) ([]VectorMatch, error)
	Delete(ctx context.Context, documentIDs []int64) error
	Healthy(ctx context.Context) bool
	Close()
}

const qdrantCollection = "memory_documents"

// QdrantCollection talks to an external qdrant instance over gRPC. The
// backend address is a plain host:port; connection loss surfaces as
// per-call errors rather than panics so a down vector backend degrades the
// caller's ranking instead of the whole store.
type QdrantCollection struct {
	client *qdrant.Client
}

// NewQdrantCollection dials addr (host:port, no scheme) and ensures the
// collection exists with the given vector dimension. A dial failure is
// non-fatal to the caller: Open() is expected to pass a nil VectorCollection
// in that case, per spec §4.2.
func NewQdrantCollection(addr string, dim uint64) (*QdrantCollection, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid vector backend address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid vector backend port in %q: %w", addr, err)
	}
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to dial vector backend %s: %w", addr, err)
	}

	q := &QdrantCollection{client: client}
	if err := q.ensureCollection(context.Background(), dim); err != nil {
		return nil, fmt.Errorf("failed to prepare vector collection: %w", err)
	}
	return q, nil
}

func (q *QdrantCollection) ensureCollection(ctx context.Context, dim uint64) error {
	exists, err := q.client.CollectionExists(ctx, qdrantCollection)
	if err != nil {
		return fmt.Errorf("failed to probe vector collection: %w", err)
	}
	if exists {
		return nil
	}

	return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: qdrantCollection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     dim,
			Distance: qdrant.Distance_Cosine,
		}),
	})
}

func (q *QdrantCollection) Upsert(ctx context.Context, points []VectorPoint) error {
	wait := true
	upsertPoints := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		payload := make(map[string]*qdrant.Value, len(p.Payload))
		for k, v := range p.Payload {
			payload[k] = qdrant.NewValueString(v)
		}
		upsertPoints = append(upsertPoints, &qdrant.PointStruct{
			Id:      qdrant.NewIDNum(uint64(p.DocumentID)),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: payload,
		})
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: qdrantCollection,
		Wait:           &wait,
		Points:         upsertPoints,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert vector points: %w", err)
	}
	return nil
}

func (q *QdrantCollection) Query(ctx context.Context, vector []float32, limit int) ([]VectorMatch, error) {
	lim := uint64(limit)
	result, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: qdrantCollection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &lim,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query vector backend: %w", err)
	}

	matches := make([]VectorMatch, 0, len(result))
	for _, pt := range result {
		matches = append(matches, VectorMatch{
			DocumentID: int64(pt.Id.GetNum()),
			Score:      pt.Score,
		})
	}
	return matches, nil
}

func (q *QdrantCollection) Delete(ctx context.Context, documentIDs []int64) error {
	ids := make([]*qdrant.PointId, 0, len(documentIDs))
	for _, id := range documentIDs {
		ids = append(ids, qdrant.NewIDNum(uint64(id)))
	}

	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: qdrantCollection,
		Points:         qdrant.NewPointsSelector(ids...),
	})
	if err != nil {
		return fmt.Errorf("failed to delete vector points: %w", err)
	}
	return nil
}

func (q *QdrantCollection) Healthy(ctx context.Context) bool {
	_, err := q.client.HealthCheck(ctx)
	if err != nil {
		log.Printf("[STORE] vector backend health check failed: %v", err)
		return false
	}
	return true
}

func (q *QdrantCollection) Close() {
	if q.client != nil {
		q.client.Close()
	}
}
