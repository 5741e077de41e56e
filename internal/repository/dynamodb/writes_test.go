package dynamodb

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quota-service/internal/models"
	"quota-service/internal/repository"
)

func nameValues(names map[string]string) []string {
	out := make([]string, 0, len(names))
	for _, v := range names {
		out = append(out, v)
	}
	return out
}

func testKey() models.BucketKey {
	return models.BucketKey{EntityID: "user-1", Resource: "api"}
}

func TestBuildTransactItem_CreateIsConditionalPut(t *testing.T) {
	b := New(nil, "limits")
	item, err := b.buildTransactItem(repository.BucketWrite{
		Mode:     repository.WriteCreate,
		Key:      testKey(),
		RefillMs: 1_000,
		Limits:   []repository.LimitWrite{{Limit: models.PerSecond("rps", 5), TokensMilli: 4_000, ConsumedDelta: 1_000}},
	}, 1_000)
	require.NoError(t, err)
	require.NotNil(t, item.Put)
	assert.Nil(t, item.Update)
	assert.Equal(t, "limits", *item.Put.TableName)
	require.NotNil(t, item.Put.ConditionExpression)
	assert.Contains(t, *item.Put.ConditionExpression, "attribute_not_exists")
	assert.ElementsMatch(t, []string{attrPK, attrExpires}, nameValues(item.Put.ExpressionAttributeNames))
	assert.Equal(t, numberAttr(4_000), item.Put.Item["b_rps_tk"])
}

func TestUpdateExpression_NormalLocksOnRefill(t *testing.T) {
	expr, err := updateExpression(repository.BucketWrite{
		Mode:             repository.WriteNormal,
		Key:              testKey(),
		RefillMs:         2_000,
		ExpectedRefillMs: 1_000,
		Limits:           []repository.LimitWrite{{Limit: models.PerSecond("rps", 5), TokensDelta: -1_000, ConsumedDelta: 1_000}},
	})
	require.NoError(t, err)

	names := nameValues(expr.Names())
	assert.Contains(t, names, attrRefill)
	assert.Contains(t, names, "b_rps_tk")
	assert.Contains(t, names, "b_rps_cp")
	assert.Contains(t, *expr.Update(), "ADD")
	assert.Contains(t, *expr.Update(), "SET")
	assert.Contains(t, *expr.Condition(), "attribute_exists")
	assert.Contains(t, *expr.Condition(), "=")
}

func TestUpdateExpression_NormalInitSetsAbsoluteTokens(t *testing.T) {
	expr, err := updateExpression(repository.BucketWrite{
		Mode:             repository.WriteNormal,
		Key:              testKey(),
		RefillMs:         2_000,
		ExpectedRefillMs: 1_000,
		Limits:           []repository.LimitWrite{{Limit: models.PerSecond("rps", 5), Init: true, TokensMilli: 4_000, ConsumedDelta: 1_000}},
	})
	require.NoError(t, err)
	assert.NotContains(t, *expr.Update(), "ADD")
}

func TestUpdateExpression_RetryGuardsBalance(t *testing.T) {
	expr, err := updateExpression(repository.BucketWrite{
		Mode: repository.WriteRetry,
		Key:  testKey(),
		Limits: []repository.LimitWrite{
			{Limit: models.PerSecond("rps", 5), TokensDelta: -1_000, ConsumedDelta: 1_000, MinTokensMilli: 1_000},
			{Limit: models.PerMinute("rpm", 60), TokensDelta: -1_000, ConsumedDelta: 1_000},
		},
	})
	require.NoError(t, err)

	cond := *expr.Condition()
	assert.Equal(t, 1, strings.Count(cond, ">="))
	assert.NotContains(t, nameValues(expr.Names()), attrRefill)
	// config is untouched on retry
	assert.NotContains(t, nameValues(expr.Names()), "b_rps_cp")
}

func TestUpdateExpression_TTL(t *testing.T) {
	base := repository.BucketWrite{
		Mode:   repository.WriteAdjust,
		Key:    testKey(),
		Limits: []repository.LimitWrite{{Limit: models.PerSecond("rps", 5), TokensDelta: 500}},
	}

	set := base
	set.TTL = repository.TTLSet
	set.ExpiresAtMs = 9_000
	expr, err := updateExpression(set)
	require.NoError(t, err)
	assert.Contains(t, nameValues(expr.Names()), attrTTL)

	cleared := base
	cleared.TTL = repository.TTLClear
	expr, err = updateExpression(cleared)
	require.NoError(t, err)
	assert.Contains(t, *expr.Update(), "REMOVE")
}

func TestUpdateExpression_EmptyAdjustStillHasAction(t *testing.T) {
	expr, err := updateExpression(repository.BucketWrite{Mode: repository.WriteAdjust, Key: testKey()})
	require.NoError(t, err)
	assert.NotEmpty(t, *expr.Update())
}
