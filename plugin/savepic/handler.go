package savepic

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/yan-zero/savepic/ai"
	"github.com/yan-zero/savepic/blob"
	"github.com/yan-zero/savepic/internal/profile"
	"github.com/yan-zero/savepic/plugin/savepic/metrics"
	"github.com/yan-zero/savepic/store"
)

// Handler implements the picture-store commands on top of the catalog, the
// blob store and the optional embedding backend. It is platform-neutral and
// safe for concurrent use.
type Handler struct {
	profile   *profile.Profile
	store     *store.Store
	blobs     *blob.Store
	embedding ai.EmbeddingService
	caption   ai.CaptionService
	metrics   *metrics.Metrics
}

// NewHandler creates a Handler. embedding, caption and m may be nil; every
// similarity-dependent feature then degrades to its non-vector path.
func NewHandler(p *profile.Profile, s *store.Store, blobs *blob.Store, embedding ai.EmbeddingService, caption ai.CaptionService, m *metrics.Metrics) *Handler {
	return &Handler{
		profile:   p,
		store:     s,
		blobs:     blobs,
		embedding: embedding,
		caption:   caption,
		metrics:   m,
	}
}

func (h *Handler) observeSave(outcome string) {
	if h.metrics != nil {
		h.metrics.ObserveSave(outcome)
	}
}

// Save stores a picture under a sanitized name in the resolved write scope.
// Byte-identical content merges into the existing row; near-duplicate
// content is rejected unless the caller allows collisions.
func (h *Handler) Save(ctx context.Context, req *SaveRequest) (*Reply, error) {
	name := SanitizeFilename(req.Name)
	if name == "" {
		return textReply("picture name cannot be empty."), nil
	}
	if len(req.Image) == 0 {
		return textReply("no picture attached."), nil
	}

	scope, warning := h.resolveWriteScope(req.Chat, req.WantGlobal, req.Caller)

	location, created, err := h.blobs.Put(req.Image)
	if err != nil {
		return nil, err
	}

	// On any rejection the blob is only an orphan if this request wrote it.
	// Put is content-addressed: a pre-existing file means the same bytes were
	// saved before, possibly under a scope the save-time similarity check
	// does not see, and deleting it would strand that row.
	releaseBlob := func() {
		if created {
			_ = h.blobs.Delete(location)
		}
	}

	vector := h.embedImage(ctx, name, req.Image)

	result, err := h.savePicture(ctx, &store.SavePicture{
		Name:           name,
		URL:            location,
		Scope:          scope,
		Uploader:       req.Caller,
		Vector:         vector,
		AllowCollision: req.AllowCollision,
	})

	var similarErr *store.SimilarPictureError
	var conflictErr *store.NameConflictError
	switch {
	case errors.As(err, &similarErr):
		h.observeSave("rejected_similar")
		releaseBlob()
		return textReply(fmt.Sprintf(
			"%stoo similar to existing picture %q (%.0f%% match); pass -ac to save anyway.",
			warning, similarErr.Name, similarErr.Similarity*100)), nil
	case errors.As(err, &conflictErr):
		h.observeSave("rejected_conflict")
		releaseBlob()
		return textReply(fmt.Sprintf("%sa picture named %q already exists here.", warning, name)), nil
	case err != nil:
		releaseBlob()
		return nil, err
	}

	switch result.Outcome {
	case store.SaveMerged:
		h.observeSave("merged")
		if result.ExistingName != name {
			return textReply(fmt.Sprintf(
				"%sthis picture is already saved as %q; scope updated.", warning, result.ExistingName)), nil
		}
		return textReply(warning + "already saved; scope updated."), nil
	case store.SaveReusedSlot:
		h.observeSave("reused_slot")
		return textReply(fmt.Sprintf("%ssaved %q.", warning, name)), nil
	default:
		h.observeSave("created")
		return textReply(fmt.Sprintf("%ssaved %q.", warning, name)), nil
	}
}

// savePicture runs the catalog save, converting the self-collision case
// (content byte-identical to the flagged near-duplicate) into a merge: the
// save-time similarity check cannot tell "same picture again" from "near
// duplicate", but the URL can.
func (h *Handler) savePicture(ctx context.Context, save *store.SavePicture) (*store.SavePictureResult, error) {
	model := ""
	if h.embedding != nil {
		model = h.embedding.Model()
	}

	result, err := h.store.SavePicture(ctx, save, model)
	var similarErr *store.SimilarPictureError
	if errors.As(err, &similarErr) && similarErr.URL == save.URL && !save.AllowCollision {
		retry := *save
		retry.AllowCollision = true
		return h.store.SavePicture(ctx, &retry, model)
	}
	return result, err
}

// Delete removes a picture from the requested scope. Admins may delete
// anything; everyone else only what they uploaded into that scope.
func (h *Handler) Delete(ctx context.Context, req *DeleteRequest) (*Reply, error) {
	name := SanitizeFilename(req.Name)
	if name == "" {
		return textReply("picture name cannot be empty."), nil
	}

	scope, warning := h.resolveWriteScope(req.Chat, req.WantGlobal, req.Caller)

	allowed, err := h.canModify(ctx, name, scope, req.Caller)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return textReply(warning + "you are not allowed to delete this picture."), nil
	}

	result, err := h.store.DeletePicture(ctx, &store.DeletePicture{Name: name, Scope: scope})
	if err == store.ErrNotFound {
		return textReply(fmt.Sprintf("%sno picture named %q here.", warning, name)), nil
	}
	if err != nil {
		return nil, err
	}

	if result.ReleasedURL != "" {
		if err := h.blobs.Delete(result.ReleasedURL); err != nil {
			slog.Warn("failed to release picture blob", "url", result.ReleasedURL, "err", err)
		}
	}
	if result.Partial {
		return textReply(fmt.Sprintf("%sremoved %q from this scope; it stays available elsewhere.", warning, name)), nil
	}
	return textReply(fmt.Sprintf("%sdeleted %q.", warning, name)), nil
}

// Rename renames a picture and/or moves it between scopes, recomputing its
// embedding against the new name when possible.
func (h *Handler) Rename(ctx context.Context, req *RenameRequest) (*Reply, error) {
	oldName := SanitizeFilename(req.OldName)
	newName := SanitizeFilename(req.NewName)
	if oldName == "" || newName == "" {
		return textReply("picture name cannot be empty."), nil
	}

	srcScope, warning := h.resolveWriteScope(req.Chat, req.SrcGlobal, req.Caller)
	dstScope, dstWarning := h.resolveWriteScope(req.Chat, req.DstGlobal, req.Caller)
	warning += dstWarning

	allowed, err := h.canModify(ctx, oldName, srcScope, req.Caller)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return textReply(warning + "you are not allowed to rename this picture."), nil
	}

	rename := &store.RenamePicture{
		OldName:    oldName,
		NewName:    newName,
		SrcScope:   srcScope,
		DstScope:   dstScope,
		Privileged: h.profile.IsAdmin(req.Caller),
	}

	// A changed name invalidates the stored embedding. Recompute it now when
	// the bytes are at hand; otherwise it is dropped and the backfill job
	// repairs it later.
	if oldName != newName && h.embedding != nil {
		if image, err := h.blobs.Get(ctx, mustURL(ctx, h.store, oldName, srcScope)); err == nil {
			rename.Vector = h.embedImage(ctx, newName, image)
			rename.Model = h.embedding.Model()
		}
	}

	_, err = h.store.RenamePicture(ctx, rename)
	var conflictErr *store.NameConflictError
	var permErr *store.PermissionDeniedError
	switch {
	case err == store.ErrNotFound:
		return textReply(fmt.Sprintf("%sno picture named %q here.", warning, oldName)), nil
	case errors.As(err, &conflictErr):
		return textReply(fmt.Sprintf("%sa picture named %q already exists in the target scope.", warning, newName)), nil
	case errors.As(err, &permErr):
		return textReply(warning + "this picture lives in several scopes; only a bot admin can rename it."), nil
	case err != nil:
		return nil, err
	}
	return textReply(fmt.Sprintf("%srenamed %q to %q.", warning, oldName, newName)), nil
}

// Random picks a random picture whose name contains the keyword, falling
// back to semantic search over embeddings, then to a ".jpg"-suffixed retry.
func (h *Handler) Random(ctx context.Context, req *RandomRequest) (*Reply, error) {
	keyword := strings.TrimSpace(req.Keyword)

	pic, err := h.randomPicture(ctx, keyword, req.Chat)
	if err == store.ErrNotFound && h.profile.NotFoundWithJPG &&
		keyword != "" && !strings.HasSuffix(keyword, ".jpg") {
		pic, err = h.randomPicture(ctx, keyword+".jpg", req.Chat)
	}
	if err == store.ErrNotFound {
		return textReply(fmt.Sprintf("no picture found for %q.", keyword)), nil
	}
	if err != nil {
		return nil, err
	}
	return h.pictureReply(ctx, "", pic)
}

func (h *Handler) randomPicture(ctx context.Context, keyword string, chat store.Scope) (*store.Picture, error) {
	pic, err := h.store.RandomPicture(ctx, &store.RandomPicture{Keyword: keyword, Scope: chat})
	if err != store.ErrNotFound {
		return pic, err
	}
	if keyword == "" || h.embedding == nil {
		return nil, store.ErrNotFound
	}

	// Nothing matched by name; try the semantic neighborhood of the keyword.
	vector, err := h.embedding.EmbedText(ctx, keyword)
	if err != nil {
		slog.Warn("failed to embed search keyword", "keyword", keyword, "err", err)
		return nil, store.ErrNotFound
	}
	matches, err := h.store.SearchByVector(ctx, &store.SearchByVector{
		Vector:      vector,
		Scope:       chat,
		Model:       h.embedding.Model(),
		MaxDistance: h.profile.TextDistanceFloor,
	})
	if err == store.ErrVectorSearchUnsupported || len(matches) == 0 {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return matches[rand.Intn(len(matches))], nil
}

// RegexpPick picks a random picture whose name matches a case-insensitive
// regular expression.
func (h *Handler) RegexpPick(ctx context.Context, pattern string, chat store.Scope) (*Reply, error) {
	pattern = strings.TrimSpace(pattern)
	if _, err := regexp.Compile(pattern); err != nil {
		return textReply(fmt.Sprintf("invalid pattern: %v", err)), nil
	}

	pic, err := h.store.RandomPicture(ctx, &store.RandomPicture{Pattern: pattern, Scope: chat})
	if err == store.ErrNotFound {
		return textReply(fmt.Sprintf("no picture matches %q.", pattern)), nil
	}
	if err != nil {
		return nil, err
	}
	return h.pictureReply(ctx, "", pic)
}

// Similar finds the stored picture most similar to the supplied image.
// Matches beyond the query-time floor count as a miss; ignoreFloor lifts
// that so admins can inspect borderline duplicates.
func (h *Handler) Similar(ctx context.Context, image []byte, chat store.Scope, ignoreFloor bool) (*Reply, error) {
	if h.embedding == nil {
		return textReply("similarity search is not configured."), nil
	}
	if len(image) == 0 {
		return textReply("no picture attached."), nil
	}

	vector := h.embedImage(ctx, "", image)
	if vector == nil {
		return textReply("could not compute an embedding for this picture."), nil
	}

	match, err := h.store.NearestPicture(ctx, &store.NearestPicture{
		Vector:      vector,
		Scope:       chat,
		Model:       h.embedding.Model(),
		IgnoreFloor: ignoreFloor,
	})
	if err == store.ErrVectorSearchUnsupported {
		return textReply("similarity search is not supported by this storage backend."), nil
	}
	if err != nil {
		return nil, err
	}
	if match == nil {
		return textReply("no similar picture found."), nil
	}
	return h.pictureReply(ctx,
		fmt.Sprintf("closest match: %q (%.0f%% similar)", match.Picture.Name, match.Similarity()*100),
		match.Picture)
}

// Count counts pictures whose name matches a case-insensitive regular
// expression; an empty pattern counts everything visible from the chat.
func (h *Handler) Count(ctx context.Context, pattern string, chat store.Scope) (*Reply, error) {
	pattern = strings.TrimSpace(pattern)
	if _, err := regexp.Compile(pattern); err != nil {
		return textReply(fmt.Sprintf("invalid pattern: %v", err)), nil
	}

	count, err := h.store.CountPictures(ctx, pattern, chat)
	if err != nil {
		return nil, err
	}
	if pattern == "" {
		return textReply(fmt.Sprintf("%d pictures available here.", count)), nil
	}
	return textReply(fmt.Sprintf("%d pictures match %q.", count, pattern)), nil
}

// List returns one page of picture names visible from the chat, ordered by
// name. Group-local pictures are marked with a star.
func (h *Handler) List(ctx context.Context, req *ListRequest) (*Reply, error) {
	page := req.Page
	if page < 1 {
		page = 1
	}
	if page > h.profile.ListMaxPages {
		page = h.profile.ListMaxPages
	}

	limit := h.profile.ListPageSize
	entries, err := h.store.ListPictures(ctx, &store.ListPictures{
		Pattern: strings.TrimSpace(req.Pattern),
		Scope:   req.Chat,
		Offset:  (page - 1) * limit,
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return textReply(fmt.Sprintf("no pictures on page %d.", page)), nil
	}

	var b strings.Builder
	for _, entry := range entries {
		b.WriteString(entry.Name)
		if !entry.Global {
			b.WriteString(" ⭐")
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "\nPage %d", page)
	return textReply(b.String()), nil
}

// Lookup resolves an exact picture name, preferring the chat scope over
// global. A miss is silent: Lookup backs the bare "name.jpg" trigger, and
// most messages are not picture names.
func (h *Handler) Lookup(ctx context.Context, name string, chat store.Scope) (*Reply, error) {
	name = SanitizeFilename(name)
	if name == "" {
		return nil, nil
	}
	pic, err := h.store.SelectPicture(ctx, name, chat)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return h.pictureReply(ctx, "", pic)
}

// embedImage computes an image embedding, falling back to text embedding of
// the name plus an optional caption. Best effort: returns nil when the
// embedding backend is unavailable or fails.
func (h *Handler) embedImage(ctx context.Context, name string, image []byte) []float32 {
	if h.embedding == nil {
		return nil
	}

	vector, err := h.embedding.EmbedImage(ctx, name, image)
	if err == nil {
		return vector
	}

	text := name
	if h.caption != nil {
		if caption, cerr := h.caption.Caption(ctx, image); cerr == nil && caption != "" {
			if text != "" {
				text += "\n"
			}
			text += caption
		}
	}
	if text == "" {
		return nil
	}
	vector, err = h.embedding.EmbedText(ctx, text)
	if err != nil {
		slog.Warn("failed to embed picture", "name", name, "err", err)
		return nil
	}
	return vector
}

// canModify reports whether caller may delete or rename the named picture in
// the given scope: bot admins always, the uploader within the scope they
// uploaded to.
func (h *Handler) canModify(ctx context.Context, name string, scope store.Scope, caller string) (bool, error) {
	if h.profile.IsAdmin(caller) {
		return true, nil
	}
	return h.store.CheckUploader(ctx, name, scope, caller)
}

func (h *Handler) pictureReply(ctx context.Context, text string, pic *store.Picture) (*Reply, error) {
	image, err := h.blobs.Get(ctx, pic.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load picture %q", pic.Name)
	}
	return &Reply{Text: text, Image: image, ImageName: pic.Name}, nil
}

// mustURL resolves a picture's storage location, returning "" on a miss so
// the subsequent blob read fails cleanly instead of panicking.
func mustURL(ctx context.Context, s *store.Store, name string, scope store.Scope) string {
	pic, err := s.SelectPicture(ctx, name, scope)
	if err != nil {
		return ""
	}
	return pic.URL
}
