package knowledge

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Store reads and clears Builder-produced artifacts in Neo4j. Artifact
// content belongs to the Builder; this store only ever reads ids or deletes
// whole owners.
type Store struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewStore creates a new Neo4j artifact store.
func NewStore(uri, user, password string, logger *zap.Logger) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Store{driver: driver, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// Snapshot returns the ids of every artifact owned by owner, per kind.
func (s *Store) Snapshot(ctx context.Context, owner string) (Snapshot, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	var snap Snapshot
	for _, kind := range Kinds {
		ids, err := s.ids(ctx, session, kind, owner)
		if err != nil {
			return Snapshot{}, err
		}
		snap.set(kind, ids)
	}
	return snap, nil
}

func (s *Store) ids(ctx context.Context, session neo4j.SessionWithContext, kind Kind, owner string) ([]string, error) {
	// Labels cannot be parameterised; kind comes from the fixed Kinds list.
	result, err := session.Run(ctx,
		fmt.Sprintf(`MATCH (a:%s {owner: $owner}) RETURN a.id AS id ORDER BY a.created_at, a.id`, kind),
		map[string]interface{}{"owner": owner})
	if err != nil {
		return nil, fmt.Errorf("snapshot %s ids: %w", kind, err)
	}

	var ids []string
	for result.Next(ctx) {
		id, _ := result.Record().Get("id")
		if str, ok := id.(string); ok {
			ids = append(ids, str)
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("snapshot %s ids: %w", kind, err)
	}
	return ids, nil
}

// Counts returns artifact totals per kind for owner.
func (s *Store) Counts(ctx context.Context, owner string) (Counts, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	var c Counts
	for _, kind := range Kinds {
		result, err := session.Run(ctx,
			fmt.Sprintf(`MATCH (a:%s {owner: $owner}) RETURN count(a) AS n`, kind),
			map[string]interface{}{"owner": owner})
		if err != nil {
			return Counts{}, fmt.Errorf("count %s: %w", kind, err)
		}
		rec, err := result.Single(ctx)
		if err != nil {
			return Counts{}, fmt.Errorf("count %s: %w", kind, err)
		}
		n, _ := rec.Get("n")
		c.set(kind, toInt(n))
	}
	return c, nil
}

// DeleteByOwner removes every artifact of owner and returns how many of each
// kind were deleted.
func (s *Store) DeleteByOwner(ctx context.Context, owner string) (Counts, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	var deleted Counts
	for _, kind := range Kinds {
		result, err := session.Run(ctx,
			fmt.Sprintf(`MATCH (a:%s {owner: $owner}) DETACH DELETE a`, kind),
			map[string]interface{}{"owner": owner})
		if err != nil {
			return deleted, fmt.Errorf("delete %s: %w", kind, err)
		}
		summary, err := result.Consume(ctx)
		if err != nil {
			return deleted, fmt.Errorf("delete %s: %w", kind, err)
		}
		deleted.set(kind, summary.Counters().NodesDeleted())
	}

	s.logger.Info("artifacts deleted",
		zap.String("owner", owner),
		zap.Int("constants", deleted.Constants),
		zap.Int("predicates", deleted.Predicates),
		zap.Int("facts", deleted.Facts))
	return deleted, nil
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
