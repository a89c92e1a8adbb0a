//go:build integration

package knowledge

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	"go.uber.org/zap"
)

var testStore *Store

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := tcneo4j.Run(ctx, "neo4j:5-community",
		tcneo4j.WithoutAuthentication(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start neo4j: %v\n", err)
		os.Exit(1)
	}
	uri, err := container.BoltUrl(ctx)
	if err != nil {
		container.Terminate(ctx)
		fmt.Fprintf(os.Stderr, "neo4j bolt url: %v\n", err)
		os.Exit(1)
	}

	testStore, err = NewStore(uri, "", "", zap.NewNop())
	if err == nil {
		err = testStore.Ping(ctx)
	}
	if err != nil {
		container.Terminate(ctx)
		fmt.Fprintf(os.Stderr, "connect neo4j: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	testStore.Close(ctx)
	container.Terminate(ctx)
	os.Exit(code)
}

// create inserts one artifact node the way the Builder writes them.
func create(t *testing.T, kind Kind, owner, id string) {
	t.Helper()
	ctx := context.Background()
	session := testStore.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	res, err := session.Run(ctx,
		fmt.Sprintf(`CREATE (a:%s {id: $id, owner: $owner, value: $id, created_at: datetime()})`, kind),
		map[string]interface{}{"id": id, "owner": owner})
	require.NoError(t, err)
	_, err = res.Consume(ctx)
	require.NoError(t, err)
}

func TestSnapshotAndDiff(t *testing.T) {
	ctx := context.Background()
	create(t, KindConstant, "kb-snap", "c1")
	create(t, KindFact, "kb-snap", "f1")

	before, err := testStore.Snapshot(ctx, "kb-snap")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, before.ConstantIDs)
	assert.Empty(t, before.PredicateIDs)

	create(t, KindPredicate, "kb-snap", "p1")
	create(t, KindFact, "kb-snap", "f2")
	create(t, KindFact, "kb-other", "f9")

	after, err := testStore.Snapshot(ctx, "kb-snap")
	require.NoError(t, err)

	delta := Diff(before, after)
	assert.Empty(t, delta.ConstantIDs)
	assert.Equal(t, []string{"p1"}, delta.PredicateIDs)
	assert.Equal(t, []string{"f2"}, delta.FactIDs)
}

func TestCountsAndDeleteByOwner(t *testing.T) {
	ctx := context.Background()
	create(t, KindConstant, "kb-del", "c1")
	create(t, KindConstant, "kb-del", "c2")
	create(t, KindFact, "kb-del", "f1")
	create(t, KindFact, "kb-keep", "f1")

	c, err := testStore.Counts(ctx, "kb-del")
	require.NoError(t, err)
	assert.Equal(t, Counts{Constants: 2, Facts: 1}, c)

	deleted, err := testStore.DeleteByOwner(ctx, "kb-del")
	require.NoError(t, err)
	assert.Equal(t, 3, deleted.Total())

	c, err = testStore.Counts(ctx, "kb-del")
	require.NoError(t, err)
	assert.Zero(t, c.Total())

	kept, err := testStore.Counts(ctx, "kb-keep")
	require.NoError(t, err)
	assert.Equal(t, 1, kept.Facts)

	again, err := testStore.DeleteByOwner(ctx, "kb-del")
	require.NoError(t, err)
	assert.Zero(t, again.Total())
}
