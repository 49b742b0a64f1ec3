package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echolab/echoman/pkg/models"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"scaled", []float32{2, 0}, []float32{5, 0}, 1},
		{"length mismatch", []float32{1, 0}, []float32{1}, 0},
		{"empty", nil, nil, 0},
		{"zero norm", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func clusterItem(id int64, title string) *models.SourceItem {
	return &models.SourceItem{ID: id, Title: title}
}

func TestBuildGroupsLinksOnBothThresholds(t *testing.T) {
	items := []*models.SourceItem{
		clusterItem(1, "某地发生地震 多部门紧急响应"),
		clusterItem(2, "某地发生地震 多部门紧急救援"),
		clusterItem(3, "新款手机今日发布"),
	}
	vecs := map[int64][]float32{
		1: {1, 0},
		2: {0.99, 0.1},
		3: {0, 1},
	}

	groups := BuildGroups(items, vecs, 0.80, 0.40)
	require.Len(t, groups, 2)
	assert.Equal(t, []int64{1, 2}, itemIDs(groups[0]))
	assert.Equal(t, []int64{3}, itemIDs(groups[1]))
}

func TestBuildGroupsRequiresTitleOverlap(t *testing.T) {
	// Vectors agree but the titles share nothing: no link.
	items := []*models.SourceItem{
		clusterItem(1, "某地发生地震"),
		clusterItem(2, "新款手机今日发布"),
	}
	vecs := map[int64][]float32{1: {1, 0}, 2: {1, 0}}

	groups := BuildGroups(items, vecs, 0.80, 0.40)
	require.Len(t, groups, 2)
}

func TestBuildGroupsRequiresVectorSimilarity(t *testing.T) {
	// Near-identical titles but orthogonal vectors: no link.
	items := []*models.SourceItem{
		clusterItem(1, "某地发生地震 多部门紧急响应"),
		clusterItem(2, "某地发生地震 多部门紧急响应中"),
	}
	vecs := map[int64][]float32{1: {1, 0}, 2: {0, 1}}

	groups := BuildGroups(items, vecs, 0.80, 0.40)
	require.Len(t, groups, 2)
}

func TestBuildGroupsTransitiveLinking(t *testing.T) {
	// 1~2 and 2~3 link; 1 and 3 land in the same component even if they
	// would not link directly.
	items := []*models.SourceItem{
		clusterItem(1, "明星演唱会门票 一分钟售罄"),
		clusterItem(2, "明星演唱会门票 售罄 主办方回应"),
		clusterItem(3, "演唱会门票 售罄 主办方回应 黄牛"),
	}
	vecs := map[int64][]float32{
		1: {1, 0.05},
		2: {0.98, 0.2},
		3: {0.94, 0.34},
	}

	groups := BuildGroups(items, vecs, 0.80, 0.30)
	require.Len(t, groups, 1)
	// Earliest item stays representative.
	assert.Equal(t, int64(1), groups[0][0].ID)
}

func TestBuildGroupsMissingVectorStaysSingleton(t *testing.T) {
	items := []*models.SourceItem{
		clusterItem(1, "某地发生地震"),
		clusterItem(2, "某地发生地震"),
	}
	vecs := map[int64][]float32{1: {1, 0}}

	groups := BuildGroups(items, vecs, 0.80, 0.40)
	require.Len(t, groups, 2)
}

func TestBuildGroupsEmptyInput(t *testing.T) {
	assert.Nil(t, BuildGroups(nil, nil, 0.80, 0.40))
}
