package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yan-zero/savepic/internal/profile"
)

// fakeDriver is a scriptable Driver for exercising the Store's floor and
// permission logic without a database.
type fakeDriver struct {
	nearest    *PictureMatch
	nearestErr error
	nearestReq *NearestPicture

	saveResult *SavePictureResult
	saveCalls  []*SavePicture

	embeddings []*PictureEmbedding
	embedErr   error

	uploader    string
	uploaderErr error

	listEntries []*PictureListEntry
	listReq     *ListPictures
}

func (d *fakeDriver) GetDB() *sql.DB                { return nil }
func (d *fakeDriver) Close() error                  { return nil }
func (d *fakeDriver) Migrate(context.Context) error { return nil }

func (d *fakeDriver) SavePicture(_ context.Context, save *SavePicture) (*SavePictureResult, error) {
	d.saveCalls = append(d.saveCalls, save)
	if d.saveResult != nil {
		return d.saveResult, nil
	}
	return &SavePictureResult{
		Picture: &Picture{ID: 1, Name: save.Name, Scopes: []Scope{save.Scope}, URL: save.URL},
		Outcome: SaveCreated,
	}, nil
}

func (d *fakeDriver) SelectPicture(context.Context, string, Scope) (*Picture, error) {
	return nil, ErrNotFound
}

func (d *fakeDriver) RenamePicture(context.Context, *RenamePicture) (*Picture, error) {
	return nil, ErrNotFound
}

func (d *fakeDriver) DeletePicture(context.Context, *DeletePicture) (*DeletePictureResult, error) {
	return nil, ErrNotFound
}

func (d *fakeDriver) RandomPicture(context.Context, *RandomPicture) (*Picture, error) {
	return nil, ErrNotFound
}

func (d *fakeDriver) CountPictures(context.Context, string, Scope) (int64, error) { return 0, nil }

func (d *fakeDriver) ListPictures(_ context.Context, find *ListPictures) ([]*PictureListEntry, error) {
	d.listReq = find
	return d.listEntries, nil
}

func (d *fakeDriver) GetUploader(context.Context, string, Scope) (string, error) {
	return d.uploader, d.uploaderErr
}

func (d *fakeDriver) UpsertPictureEmbedding(_ context.Context, embedding *PictureEmbedding) error {
	if d.embedErr != nil {
		return d.embedErr
	}
	d.embeddings = append(d.embeddings, embedding)
	return nil
}

func (d *fakeDriver) DeletePictureEmbedding(context.Context, int64) error { return nil }

func (d *fakeDriver) NearestPicture(_ context.Context, find *NearestPicture) (*PictureMatch, error) {
	d.nearestReq = find
	return d.nearest, d.nearestErr
}

func (d *fakeDriver) SearchByVector(context.Context, *SearchByVector) ([]*Picture, error) {
	return nil, nil
}

func (d *fakeDriver) FindPicturesWithoutEmbedding(context.Context, *FindPicturesWithoutEmbedding) ([]*Picture, error) {
	return nil, nil
}

func testProfile() *profile.Profile {
	return &profile.Profile{
		SaveDistanceFloor:  0.08,
		QueryDistanceFloor: 0.35,
		TextDistanceFloor:  0.45,
		ListPageSize:       7,
	}
}

func testStore(driver *fakeDriver) *Store {
	return New(driver, testProfile())
}

func validSave() *SavePicture {
	return &SavePicture{
		Name:     "cat.jpg",
		URL:      "/data/abc",
		Scope:    GroupScope("qq_group:1"),
		Uploader: "qq:42",
		Vector:   []float32{0.1, 0.2},
	}
}

func TestStore_SavePicture_RejectsNearDuplicate(t *testing.T) {
	driver := &fakeDriver{
		nearest: &PictureMatch{
			Picture:  &Picture{Name: "kitten.jpg", URL: "/data/other"},
			Distance: 0.05,
		},
	}
	s := testStore(driver)

	_, err := s.SavePicture(context.Background(), validSave(), "clip")

	var similarErr *SimilarPictureError
	require.ErrorAs(t, err, &similarErr)
	assert.Equal(t, "kitten.jpg", similarErr.Name)
	assert.Equal(t, "/data/other", similarErr.URL)
	assert.InDelta(t, 0.95, similarErr.Similarity, 0.001)
	assert.Empty(t, driver.saveCalls, "rejected save must not reach the driver")
}

func TestStore_SavePicture_SaveFloorIsTighterThanQueryFloor(t *testing.T) {
	// A distance of 0.2 is a query-time match (below 0.35) but not a
	// save-time duplicate (above 0.08): the save must go through.
	driver := &fakeDriver{
		nearest: &PictureMatch{
			Picture:  &Picture{Name: "kitten.jpg"},
			Distance: 0.2,
		},
	}
	s := testStore(driver)

	result, err := s.SavePicture(context.Background(), validSave(), "clip")

	require.NoError(t, err)
	assert.Equal(t, SaveCreated, result.Outcome)
	require.Len(t, driver.saveCalls, 1)
}

func TestStore_SavePicture_AllowCollisionSkipsCheck(t *testing.T) {
	driver := &fakeDriver{
		nearest: &PictureMatch{Picture: &Picture{Name: "kitten.jpg"}, Distance: 0.0},
	}
	s := testStore(driver)

	save := validSave()
	save.AllowCollision = true
	_, err := s.SavePicture(context.Background(), save, "clip")

	require.NoError(t, err)
	assert.Nil(t, driver.nearestReq, "similarity check must be skipped")
	require.Len(t, driver.saveCalls, 1)
}

func TestStore_SavePicture_NoVectorSkipsCheck(t *testing.T) {
	driver := &fakeDriver{
		nearest: &PictureMatch{Picture: &Picture{Name: "kitten.jpg"}, Distance: 0.0},
	}
	s := testStore(driver)

	save := validSave()
	save.Vector = nil
	_, err := s.SavePicture(context.Background(), save, "clip")

	require.NoError(t, err)
	assert.Nil(t, driver.nearestReq)
	assert.Empty(t, driver.embeddings, "no vector, no embedding row")
}

func TestStore_SavePicture_UnsupportedVectorSearchDegrades(t *testing.T) {
	driver := &fakeDriver{nearestErr: ErrVectorSearchUnsupported}
	s := testStore(driver)

	result, err := s.SavePicture(context.Background(), validSave(), "clip")

	require.NoError(t, err)
	assert.Equal(t, SaveCreated, result.Outcome)
}

func TestStore_SavePicture_WritesEmbedding(t *testing.T) {
	driver := &fakeDriver{}
	s := testStore(driver)

	save := validSave()
	_, err := s.SavePicture(context.Background(), save, "clip")

	require.NoError(t, err)
	require.Len(t, driver.embeddings, 1)
	assert.Equal(t, int64(1), driver.embeddings[0].PictureID)
	assert.Equal(t, "clip", driver.embeddings[0].Model)
	assert.Equal(t, save.Vector, driver.embeddings[0].Embedding)
}

func TestStore_SavePicture_EmbeddingFailureDoesNotFailSave(t *testing.T) {
	driver := &fakeDriver{embedErr: &StorageError{Op: "upsert", Err: ErrNotFound}}
	s := testStore(driver)

	result, err := s.SavePicture(context.Background(), validSave(), "clip")

	require.NoError(t, err)
	assert.Equal(t, SaveCreated, result.Outcome)
}

func TestStore_SavePicture_ValidatesRequest(t *testing.T) {
	s := testStore(&fakeDriver{})

	_, err := s.SavePicture(context.Background(), &SavePicture{URL: "/data/abc"}, "clip")
	require.Error(t, err)

	_, err = s.SavePicture(context.Background(), &SavePicture{Name: "cat.jpg"}, "clip")
	require.Error(t, err)
}

func TestStore_NearestPicture_AppliesQueryFloor(t *testing.T) {
	tests := []struct {
		name        string
		distance    float32
		ignoreFloor bool
		wantMatch   bool
	}{
		{"within floor", 0.3, false, true},
		{"beyond floor", 0.5, false, false},
		{"beyond floor ignored", 0.5, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver := &fakeDriver{
				nearest: &PictureMatch{Picture: &Picture{Name: "cat.jpg"}, Distance: tt.distance},
			}
			s := testStore(driver)

			match, err := s.NearestPicture(context.Background(), &NearestPicture{
				Vector:      []float32{0.1},
				IgnoreFloor: tt.ignoreFloor,
			})

			require.NoError(t, err)
			if tt.wantMatch {
				require.NotNil(t, match)
				assert.Equal(t, "cat.jpg", match.Picture.Name)
			} else {
				assert.Nil(t, match)
			}
		})
	}
}

func TestStore_NearestPicture_NoCandidates(t *testing.T) {
	s := testStore(&fakeDriver{})

	match, err := s.NearestPicture(context.Background(), &NearestPicture{Vector: []float32{0.1}})

	require.NoError(t, err)
	assert.Nil(t, match)
}

func TestStore_CheckUploader(t *testing.T) {
	tests := []struct {
		name     string
		owner    string
		ownerErr error
		caller   string
		want     bool
	}{
		{"uploader matches", "qq:42", nil, "qq:42", true},
		{"uploader differs", "qq:42", nil, "qq:7", false},
		{"empty uploader never matches", "", nil, "", false},
		{"missing picture", "", ErrNotFound, "qq:42", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testStore(&fakeDriver{uploader: tt.owner, uploaderErr: tt.ownerErr})

			ok, err := s.CheckUploader(context.Background(), "cat.jpg", GroupScope("qq_group:1"), tt.caller)

			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestStore_ListPictures_DefaultsLimit(t *testing.T) {
	driver := &fakeDriver{}
	s := testStore(driver)

	_, err := s.ListPictures(context.Background(), &ListPictures{Scope: GlobalScope()})

	require.NoError(t, err)
	require.NotNil(t, driver.listReq)
	assert.Equal(t, 7, driver.listReq.Limit)
}
