package dataset

import (
	"context"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logutil "github.com/tendant/simple-recipe-pipeline/internal/logging"
	"github.com/tendant/simple-recipe-pipeline/internal/stages"
	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

func TestParseStringList(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{`[]`, []string{}},
		{`['winter squash', 'mexican seasoning']`, []string{"winter squash", "mexican seasoning"}},
		{`["cook's choice", 'salt']`, []string{"cook's choice", "salt"}},
		{`['say \'cheese\'', "a \"b\""]`, []string{"say 'cheese'", `a "b"`}},
	}
	for _, tt := range tests {
		got, err := ParseStringList(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{``, `'a'`, `['a`, `[a, b]`} {
		_, err := ParseStringList(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseFloatList(t *testing.T) {
	t.Parallel()

	got, err := ParseFloatList(`[51.5, 0.0, 13.0, 0.0, 2.0, 0.0, 4.0]`)
	require.NoError(t, err)
	assert.Equal(t, []float64{51.5, 0, 13, 0, 2, 0, 4}, got)

	_, err = ParseFloatList(`[1.0, lots]`)
	assert.Error(t, err)
}

const export = `name,id,minutes,contributor_id,submitted,tags,nutrition,n_steps,steps,description,ingredients,n_ingredients
shakshuka,1,30,7,2010-01-01,"['eggs']","[300.0, 20.0, 10.0, 5.0, 30.0, 10.0, 4.0]",2,"['simmer tomatoes', 'crack eggs in']",spicy,"['eggs', 'canned tomatoes', 'onion']",3
plain rice,2,20,7,2010-01-01,"[]","[200.0]",1,"['boil rice']",,"['white rice', 'water']",2
broken,3,10,7,2010-01-01,"[]","[1.0]",1,"not a list",,"['egg']",1
`

func TestReadCSV(t *testing.T) {
	t.Parallel()

	d, err := ReadCSV(strings.NewReader(export), logutil.NewTestLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, d.Len())

	rs := d.Recipes()
	assert.Equal(t, "shakshuka", rs[0].Title)
	assert.Equal(t, 30, rs[0].Minutes)
	assert.Equal(t, []string{"simmer tomatoes", "crack eggs in"}, rs[0].Steps)
	assert.Equal(t, 300.0, rs[0].Nutrition.Calories)
	assert.Equal(t, 4.0, rs[0].Nutrition.Carbohydrates)
	assert.Equal(t, 200.0, rs[1].Nutrition.Calories)
}

func TestReadCSVRejectsHeader(t *testing.T) {
	t.Parallel()

	_, err := ReadCSV(strings.NewReader("name,minutes\nx,1\n"), logutil.NewTestLogger())
	assert.ErrorContains(t, err, "steps")
}

func TestCSVQueryAndRank(t *testing.T) {
	t.Parallel()

	d, err := ReadCSV(strings.NewReader(export), logutil.NewTestLogger())
	require.NoError(t, err)

	got, err := d.Query(context.Background(), []string{"tomato"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "shakshuka", got[0].Title)

	s, err := stages.NewSearcher(d, 5, 0)
	require.NoError(t, err)
	ranked := s.Search(context.Background(), pipeline.IngredientSet{{Name: "egg"}, {Name: "rice"}})
	require.Len(t, ranked, 2)
	assert.Equal(t, 0.5, ranked[0].Score)
	assert.Equal(t, "plain rice", ranked[0].Title)
	assert.Equal(t, "shakshuka", ranked[1].Title)
	assert.Equal(t, []string{"canned tomatoes", "onion"}, ranked[1].MissingIngredients)
}

func TestCSVQueryCancelled(t *testing.T) {
	t.Parallel()

	d, err := ReadCSV(strings.NewReader(export), logutil.NewTestLogger())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Query(ctx, []string{"egg"})
	assert.ErrorIs(t, err, context.Canceled)
}

func newMock(t *testing.T) (*PostgresDataset, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresDataset(db, 100), mock
}

func TestPostgresQuery(t *testing.T) {
	t.Parallel()

	d, mock := newMock(t)
	mock.ExpectQuery(queryRecipes).
		WithArgs(`["egg","tomato"]`, 100).
		WillReturnRows(sqlmock.NewRows([]string{"name", "minutes", "ingredients", "steps", "nutrition"}).
			AddRow("shakshuka", 30, []byte(`["eggs","canned tomatoes"]`), []byte(`["simmer","crack"]`), []byte(`{"calories":300}`)))

	got, err := d.Query(context.Background(), []string{"egg", "tomato"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, pipeline.RecipeCandidate{
		Title:       "shakshuka",
		Minutes:     30,
		Ingredients: []string{"eggs", "canned tomatoes"},
		Steps:       []string{"simmer", "crack"},
		Nutrition:   pipeline.Nutrition{Calories: 300},
		Source:      pipeline.SourceRetrieved,
	}, got[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueryBadRow(t *testing.T) {
	t.Parallel()

	d, mock := newMock(t)
	mock.ExpectQuery(queryRecipes).
		WithArgs(`["egg"]`, 100).
		WillReturnRows(sqlmock.NewRows([]string{"name", "minutes", "ingredients", "steps", "nutrition"}).
			AddRow("x", 1, []byte(`not json`), []byte(`[]`), []byte(`{}`)))

	_, err := d.Query(context.Background(), []string{"egg"})
	assert.ErrorContains(t, err, "bad ingredients")
}

func TestPostgresImport(t *testing.T) {
	t.Parallel()

	d, mock := newMock(t)
	mock.ExpectBegin()
	prep := mock.ExpectPrepare(insertRecipe)
	prep.ExpectExec().
		WithArgs("shakshuka", 30, `["eggs"]`, `["crack"]`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().
		WithArgs("rice", 20, `["rice"]`, `["boil"]`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	n, err := d.Import(context.Background(), []pipeline.RecipeCandidate{
		{Title: "shakshuka", Minutes: 30, Ingredients: []string{"eggs"}, Steps: []string{"crack"}},
		{Title: "rice", Minutes: 20, Ingredients: []string{"rice"}, Steps: []string{"boil"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEnsureSchema(t *testing.T) {
	t.Parallel()

	d, mock := newMock(t)
	mock.ExpectExec(Schema).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, d.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
