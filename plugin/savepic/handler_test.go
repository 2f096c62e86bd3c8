package savepic

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yan-zero/savepic/blob"
	"github.com/yan-zero/savepic/internal/profile"
	"github.com/yan-zero/savepic/store"
)

const adminID = "telegram:1"

// fakeDriver is a scriptable store.Driver for handler tests. The catalog
// semantics themselves are covered by the store and driver tests; here the
// driver just plays back configured responses.
type fakeDriver struct {
	saveResult *store.SavePictureResult
	saveErr    error
	saveCalls  []*store.SavePicture

	selectPic *store.Picture

	deleteResult *store.DeletePictureResult
	deleteErr    error
	deleteCalls  []*store.DeletePicture

	renamePic   *store.Picture
	renameErr   error
	renameCalls []*store.RenamePicture

	randomPics    map[string]*store.Picture
	randomCalls   []*store.RandomPicture
	searchResults []*store.Picture

	nearest *store.PictureMatch

	listEntries []*store.PictureListEntry

	uploader    string
	uploaderErr error

	count int64
}

func (d *fakeDriver) GetDB() *sql.DB                { return nil }
func (d *fakeDriver) Close() error                  { return nil }
func (d *fakeDriver) Migrate(context.Context) error { return nil }

func (d *fakeDriver) SavePicture(_ context.Context, save *store.SavePicture) (*store.SavePictureResult, error) {
	d.saveCalls = append(d.saveCalls, save)
	if d.saveErr != nil {
		return nil, d.saveErr
	}
	if d.saveResult != nil {
		return d.saveResult, nil
	}
	return &store.SavePictureResult{
		Picture: &store.Picture{ID: 1, Name: save.Name, Scopes: []store.Scope{save.Scope}, URL: save.URL},
		Outcome: store.SaveCreated,
	}, nil
}

func (d *fakeDriver) SelectPicture(context.Context, string, store.Scope) (*store.Picture, error) {
	if d.selectPic == nil {
		return nil, store.ErrNotFound
	}
	return d.selectPic, nil
}

func (d *fakeDriver) RenamePicture(_ context.Context, rename *store.RenamePicture) (*store.Picture, error) {
	d.renameCalls = append(d.renameCalls, rename)
	if d.renameErr != nil {
		return nil, d.renameErr
	}
	if d.renamePic == nil {
		return nil, store.ErrNotFound
	}
	return d.renamePic, nil
}

func (d *fakeDriver) DeletePicture(_ context.Context, del *store.DeletePicture) (*store.DeletePictureResult, error) {
	d.deleteCalls = append(d.deleteCalls, del)
	if d.deleteErr != nil {
		return nil, d.deleteErr
	}
	if d.deleteResult == nil {
		return nil, store.ErrNotFound
	}
	return d.deleteResult, nil
}

func (d *fakeDriver) RandomPicture(_ context.Context, find *store.RandomPicture) (*store.Picture, error) {
	d.randomCalls = append(d.randomCalls, find)
	key := find.Keyword
	if find.Pattern != "" {
		key = find.Pattern
	}
	if pic, ok := d.randomPics[key]; ok {
		return pic, nil
	}
	return nil, store.ErrNotFound
}

func (d *fakeDriver) CountPictures(context.Context, string, store.Scope) (int64, error) {
	return d.count, nil
}

func (d *fakeDriver) ListPictures(context.Context, *store.ListPictures) ([]*store.PictureListEntry, error) {
	return d.listEntries, nil
}

func (d *fakeDriver) GetUploader(context.Context, string, store.Scope) (string, error) {
	return d.uploader, d.uploaderErr
}

func (d *fakeDriver) UpsertPictureEmbedding(context.Context, *store.PictureEmbedding) error {
	return nil
}

func (d *fakeDriver) DeletePictureEmbedding(context.Context, int64) error { return nil }

func (d *fakeDriver) NearestPicture(context.Context, *store.NearestPicture) (*store.PictureMatch, error) {
	return d.nearest, nil
}

func (d *fakeDriver) SearchByVector(context.Context, *store.SearchByVector) ([]*store.Picture, error) {
	return d.searchResults, nil
}

func (d *fakeDriver) FindPicturesWithoutEmbedding(context.Context, *store.FindPicturesWithoutEmbedding) ([]*store.Picture, error) {
	return nil, nil
}

// fakeEmbedding returns a fixed vector for every input.
type fakeEmbedding struct {
	vector   []float32
	imageErr error
}

func (f *fakeEmbedding) EmbedText(context.Context, string) ([]float32, error) {
	return f.vector, nil
}

func (f *fakeEmbedding) EmbedImage(context.Context, string, []byte) ([]float32, error) {
	if f.imageErr != nil {
		return nil, f.imageErr
	}
	return f.vector, nil
}

func (f *fakeEmbedding) Model() string   { return "clip" }
func (f *fakeEmbedding) Dimensions() int { return len(f.vector) }

func testProfile() *profile.Profile {
	return &profile.Profile{
		Admins:             []string{adminID},
		SaveDistanceFloor:  0.08,
		QueryDistanceFloor: 0.35,
		TextDistanceFloor:  0.45,
		NotFoundWithJPG:    true,
		ListPageSize:       7,
		ListMaxPages:       20,
	}
}

func newTestHandler(t *testing.T, driver *fakeDriver) *Handler {
	t.Helper()
	p := testProfile()
	blobs, err := blob.New(t.TempDir())
	require.NoError(t, err)
	return NewHandler(p, store.New(driver, p), blobs, &fakeEmbedding{vector: []float32{0.1, 0.2}}, nil, nil)
}

func putTestBlob(t *testing.T, h *Handler, data []byte) string {
	t.Helper()
	location, _, err := h.blobs.Put(data)
	require.NoError(t, err)
	return location
}

// blobLocation resolves the content address for data without leaving the
// blob on disk, so a later Save is the call that creates it.
func blobLocation(t *testing.T, h *Handler, data []byte) string {
	t.Helper()
	location := putTestBlob(t, h, data)
	require.NoError(t, h.blobs.Delete(location))
	return location
}

func TestHandler_Save(t *testing.T) {
	driver := &fakeDriver{}
	h := newTestHandler(t, driver)

	reply, err := h.Save(context.Background(), &SaveRequest{
		Name:   "cat",
		Image:  []byte("image bytes"),
		Chat:   store.GroupScope("telegram:-100"),
		Caller: "telegram:42",
	})

	require.NoError(t, err)
	assert.Contains(t, reply.Text, `saved "cat.jpg"`)
	require.Len(t, driver.saveCalls, 1)
	save := driver.saveCalls[0]
	assert.Equal(t, "cat.jpg", save.Name, "name must be sanitized")
	assert.Equal(t, store.GroupScope("telegram:-100"), save.Scope)
	assert.Equal(t, "telegram:42", save.Uploader)
	assert.Equal(t, []float32{0.1, 0.2}, save.Vector)

	data, err := h.blobs.Get(context.Background(), save.URL)
	require.NoError(t, err)
	assert.Equal(t, []byte("image bytes"), data)
}

func TestHandler_Save_GlobalRequiresAdmin(t *testing.T) {
	driver := &fakeDriver{}
	h := newTestHandler(t, driver)
	chat := store.GroupScope("telegram:-100")

	reply, err := h.Save(context.Background(), &SaveRequest{
		Name:       "cat",
		Image:      []byte("image bytes"),
		Chat:       chat,
		Caller:     "telegram:42",
		WantGlobal: true,
	})

	require.NoError(t, err)
	assert.Contains(t, reply.Text, "only bot admins")
	require.Len(t, driver.saveCalls, 1)
	assert.Equal(t, chat, driver.saveCalls[0].Scope, "non-admin must be downgraded to chat scope")

	reply, err = h.Save(context.Background(), &SaveRequest{
		Name:       "dog",
		Image:      []byte("other bytes"),
		Chat:       chat,
		Caller:     adminID,
		WantGlobal: true,
	})

	require.NoError(t, err)
	assert.NotContains(t, reply.Text, "only bot admins")
	require.Len(t, driver.saveCalls, 2)
	assert.Equal(t, store.GlobalScope(), driver.saveCalls[1].Scope)
}

func TestHandler_Save_NearDuplicateRejectedAndBlobReleased(t *testing.T) {
	driver := &fakeDriver{
		nearest: &store.PictureMatch{
			Picture:  &store.Picture{Name: "kitten.jpg", URL: "/data/elsewhere"},
			Distance: 0.02,
		},
	}
	h := newTestHandler(t, driver)
	location := blobLocation(t, h, []byte("near duplicate"))

	reply, err := h.Save(context.Background(), &SaveRequest{
		Name:   "cat",
		Image:  []byte("near duplicate"),
		Chat:   store.GroupScope("telegram:-100"),
		Caller: "telegram:42",
	})

	require.NoError(t, err)
	assert.Contains(t, reply.Text, "too similar")
	assert.Contains(t, reply.Text, "kitten.jpg")
	assert.Empty(t, driver.saveCalls)

	// The blob this save wrote must not linger on disk.
	_, statErr := os.Stat(location)
	assert.True(t, os.IsNotExist(statErr))
}

func TestHandler_Save_RejectionKeepsPreexistingBlob(t *testing.T) {
	// The same bytes were saved before from a scope the similarity check
	// does not see, so the blob already exists and a catalog row points at
	// it. Rejecting this save must not delete it.
	driver := &fakeDriver{
		nearest: &store.PictureMatch{
			Picture:  &store.Picture{Name: "kitten.jpg", URL: "/data/elsewhere"},
			Distance: 0.02,
		},
	}
	h := newTestHandler(t, driver)
	location := putTestBlob(t, h, []byte("shared bytes"))

	reply, err := h.Save(context.Background(), &SaveRequest{
		Name:   "cat",
		Image:  []byte("shared bytes"),
		Chat:   store.GroupScope("telegram:-100"),
		Caller: "telegram:42",
	})

	require.NoError(t, err)
	assert.Contains(t, reply.Text, "too similar")
	_, statErr := os.Stat(location)
	assert.NoError(t, statErr, "a blob another row references must survive the rejection")
}

func TestHandler_Save_NameConflictReleasesBlob(t *testing.T) {
	chat := store.GroupScope("telegram:-100")
	driver := &fakeDriver{
		saveErr: &store.NameConflictError{Name: "cat.jpg", Scope: chat},
	}
	h := newTestHandler(t, driver)
	location := blobLocation(t, h, []byte("conflicting bytes"))

	reply, err := h.Save(context.Background(), &SaveRequest{
		Name:   "cat",
		Image:  []byte("conflicting bytes"),
		Chat:   chat,
		Caller: "telegram:42",
	})

	require.NoError(t, err)
	assert.Contains(t, reply.Text, "already exists")
	_, statErr := os.Stat(location)
	assert.True(t, os.IsNotExist(statErr), "a rejected save must leave no orphaned blob")
}

func TestHandler_Save_StorageErrorReleasesBlob(t *testing.T) {
	driver := &fakeDriver{
		saveErr: &store.StorageError{Op: "save picture", Err: sql.ErrConnDone},
	}
	h := newTestHandler(t, driver)
	location := blobLocation(t, h, []byte("doomed bytes"))

	_, err := h.Save(context.Background(), &SaveRequest{
		Name:   "cat",
		Image:  []byte("doomed bytes"),
		Chat:   store.GroupScope("telegram:-100"),
		Caller: "telegram:42",
	})

	require.Error(t, err)
	_, statErr := os.Stat(location)
	assert.True(t, os.IsNotExist(statErr), "a failed save must leave no orphaned blob")
}

func TestHandler_Save_IdenticalContentMergesDespiteFloor(t *testing.T) {
	driver := &fakeDriver{}
	h := newTestHandler(t, driver)
	location := putTestBlob(t, h, []byte("same bytes"))

	// Distance 0 against its own stored copy: the floor would reject it,
	// but identical content must merge instead.
	driver.nearest = &store.PictureMatch{
		Picture:  &store.Picture{Name: "old-name.jpg", URL: location},
		Distance: 0,
	}
	driver.saveResult = &store.SavePictureResult{
		Picture:      &store.Picture{ID: 1, Name: "old-name.jpg", URL: location},
		Outcome:      store.SaveMerged,
		ExistingName: "old-name.jpg",
	}

	reply, err := h.Save(context.Background(), &SaveRequest{
		Name:   "new-name",
		Image:  []byte("same bytes"),
		Chat:   store.GroupScope("telegram:-100"),
		Caller: "telegram:42",
	})

	require.NoError(t, err)
	assert.Contains(t, reply.Text, "old-name.jpg")
	require.Len(t, driver.saveCalls, 1, "identical content must be retried past the similarity check")
	assert.True(t, driver.saveCalls[0].AllowCollision)
}

func TestHandler_Delete_Permissions(t *testing.T) {
	tests := []struct {
		name        string
		caller      string
		uploader    string
		uploaderErr error
		wantDeleted bool
	}{
		{"admin may delete", adminID, "telegram:7", nil, true},
		{"uploader may delete", "telegram:7", "telegram:7", nil, true},
		{"stranger may not", "telegram:42", "telegram:7", nil, false},
		{"missing picture denies", "telegram:42", "", store.ErrNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver := &fakeDriver{
				uploader:     tt.uploader,
				uploaderErr:  tt.uploaderErr,
				deleteResult: &store.DeletePictureResult{},
			}
			h := newTestHandler(t, driver)

			reply, err := h.Delete(context.Background(), &DeleteRequest{
				Name:   "cat.jpg",
				Chat:   store.GroupScope("telegram:-100"),
				Caller: tt.caller,
			})

			require.NoError(t, err)
			if tt.wantDeleted {
				require.Len(t, driver.deleteCalls, 1)
				assert.Contains(t, reply.Text, "deleted")
			} else {
				assert.Empty(t, driver.deleteCalls)
				assert.Contains(t, reply.Text, "not allowed")
			}
		})
	}
}

func TestHandler_Delete_ReleasesBlobOnFullDelete(t *testing.T) {
	driver := &fakeDriver{uploader: "telegram:7"}
	h := newTestHandler(t, driver)
	location := putTestBlob(t, h, []byte("image bytes"))
	driver.deleteResult = &store.DeletePictureResult{ReleasedURL: location}

	reply, err := h.Delete(context.Background(), &DeleteRequest{
		Name:   "cat.jpg",
		Chat:   store.GroupScope("telegram:-100"),
		Caller: "telegram:7",
	})

	require.NoError(t, err)
	assert.Contains(t, reply.Text, "deleted")
	_, statErr := os.Stat(location)
	assert.True(t, os.IsNotExist(statErr), "full delete must release the blob")
}

func TestHandler_Delete_PartialKeepsBlob(t *testing.T) {
	driver := &fakeDriver{
		uploader:     "telegram:7",
		deleteResult: &store.DeletePictureResult{Partial: true},
	}
	h := newTestHandler(t, driver)

	reply, err := h.Delete(context.Background(), &DeleteRequest{
		Name:   "cat.jpg",
		Chat:   store.GroupScope("telegram:-100"),
		Caller: "telegram:7",
	})

	require.NoError(t, err)
	assert.Contains(t, reply.Text, "stays available elsewhere")
}

func TestHandler_Random_FallsBackToVectorSearch(t *testing.T) {
	driver := &fakeDriver{randomPics: map[string]*store.Picture{}}
	h := newTestHandler(t, driver)
	location := putTestBlob(t, h, []byte("image bytes"))
	driver.searchResults = []*store.Picture{{Name: "kitten.jpg", URL: location}}

	reply, err := h.Random(context.Background(), &RandomRequest{
		Keyword: "small cat",
		Chat:    store.GroupScope("telegram:-100"),
	})

	require.NoError(t, err)
	assert.Equal(t, []byte("image bytes"), reply.Image)
	assert.Equal(t, "kitten.jpg", reply.ImageName)
}

func TestHandler_Random_RetriesWithJpgSuffix(t *testing.T) {
	driver := &fakeDriver{}
	h := newTestHandler(t, driver)
	location := putTestBlob(t, h, []byte("image bytes"))
	driver.randomPics = map[string]*store.Picture{
		"cat.jpg": {Name: "cat.jpg", URL: location},
	}

	reply, err := h.Random(context.Background(), &RandomRequest{
		Keyword: "cat",
		Chat:    store.GroupScope("telegram:-100"),
	})

	require.NoError(t, err)
	assert.NotEmpty(t, reply.Image)
	keywords := []string{}
	for _, call := range driver.randomCalls {
		keywords = append(keywords, call.Keyword)
	}
	assert.Equal(t, []string{"cat", "cat.jpg"}, keywords)
}

func TestHandler_Random_NotFound(t *testing.T) {
	h := newTestHandler(t, &fakeDriver{})

	reply, err := h.Random(context.Background(), &RandomRequest{
		Keyword: "nothing",
		Chat:    store.GroupScope("telegram:-100"),
	})

	require.NoError(t, err)
	assert.Contains(t, reply.Text, "no picture found")
	assert.Empty(t, reply.Image)
}

func TestHandler_RegexpPick_InvalidPattern(t *testing.T) {
	h := newTestHandler(t, &fakeDriver{})

	reply, err := h.RegexpPick(context.Background(), "[unclosed", store.GroupScope("telegram:-100"))

	require.NoError(t, err)
	assert.Contains(t, reply.Text, "invalid pattern")
}

func TestHandler_Count(t *testing.T) {
	h := newTestHandler(t, &fakeDriver{count: 42})

	reply, err := h.Count(context.Background(), "cat.*", store.GroupScope("telegram:-100"))

	require.NoError(t, err)
	assert.Contains(t, reply.Text, "42")
}

func TestHandler_List_MarksGroupLocalEntries(t *testing.T) {
	driver := &fakeDriver{
		listEntries: []*store.PictureListEntry{
			{Name: "everywhere.jpg", Global: true},
			{Name: "local.jpg", Global: false},
		},
	}
	h := newTestHandler(t, driver)

	reply, err := h.List(context.Background(), &ListRequest{
		Chat: store.GroupScope("telegram:-100"),
		Page: 1,
	})

	require.NoError(t, err)
	assert.Contains(t, reply.Text, "everywhere.jpg\n")
	assert.Contains(t, reply.Text, "local.jpg ⭐")
	assert.Contains(t, reply.Text, "Page 1")
}

func TestHandler_Lookup_SilentMiss(t *testing.T) {
	h := newTestHandler(t, &fakeDriver{})

	reply, err := h.Lookup(context.Background(), "no-such-pic", store.GroupScope("telegram:-100"))

	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestHandler_Lookup_ReturnsPicture(t *testing.T) {
	driver := &fakeDriver{}
	h := newTestHandler(t, driver)
	location := putTestBlob(t, h, []byte("image bytes"))
	driver.selectPic = &store.Picture{Name: "cat.jpg", URL: location}

	reply, err := h.Lookup(context.Background(), "cat", store.GroupScope("telegram:-100"))

	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, []byte("image bytes"), reply.Image)
}

func TestHandler_Similar_AppliesQueryFloor(t *testing.T) {
	driver := &fakeDriver{}
	h := newTestHandler(t, driver)
	location := putTestBlob(t, h, []byte("stored image"))

	// Beyond the query floor: reported as a miss by default.
	driver.nearest = &store.PictureMatch{
		Picture:  &store.Picture{Name: "distant.jpg", URL: location},
		Distance: 0.8,
	}
	reply, err := h.Similar(context.Background(), []byte("query image"), store.GroupScope("telegram:-100"), false)
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "no similar picture")
	assert.Empty(t, reply.Image)

	// Within the floor: reported with its similarity.
	driver.nearest = &store.PictureMatch{
		Picture:  &store.Picture{Name: "close.jpg", URL: location},
		Distance: 0.3,
	}
	reply, err = h.Similar(context.Background(), []byte("query image"), store.GroupScope("telegram:-100"), false)
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "close.jpg")
	assert.Contains(t, reply.Text, "70%")
}

func TestHandler_Similar_IgnoreFloorVariant(t *testing.T) {
	driver := &fakeDriver{}
	h := newTestHandler(t, driver)
	location := putTestBlob(t, h, []byte("stored image"))
	// Far beyond the query floor; the ignore variant must still report it.
	driver.nearest = &store.PictureMatch{
		Picture:  &store.Picture{Name: "distant.jpg", URL: location},
		Distance: 0.8,
	}

	reply, err := h.Similar(context.Background(), []byte("query image"), store.GroupScope("telegram:-100"), true)

	require.NoError(t, err)
	assert.Contains(t, reply.Text, "distant.jpg")
	assert.Contains(t, reply.Text, "20%")
}
