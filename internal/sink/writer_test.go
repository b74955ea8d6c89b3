package sink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/reportd/internal/model"
)

func TestMergeClause(t *testing.T) {
	for _, op := range []model.CombineOp{model.OpSum, model.OpCount, model.OpMin, model.OpMax, model.OpLast} {
		clause, err := mergeClause(op)
		require.NoError(t, err, "op %s", op)
		assert.NotEmpty(t, clause)
	}

	t.Run("sum adds the delta", func(t *testing.T) {
		clause, err := mergeClause(model.OpSum)
		require.NoError(t, err)
		assert.Contains(t, clause, "metric_rows.value + EXCLUDED.value")
	})

	t.Run("last is guarded by position", func(t *testing.T) {
		clause, err := mergeClause(model.OpLast)
		require.NoError(t, err)
		assert.Contains(t, clause, "EXCLUDED.last_position > metric_rows.last_position")
	})

	t.Run("unknown op", func(t *testing.T) {
		_, err := mergeClause(model.CombineOp("median"))
		assert.Error(t, err)
	})
}
