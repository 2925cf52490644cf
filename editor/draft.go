package editor

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/clipforge/clipforge-api/clients"
	"github.com/clipforge/clipforge-api/config"
	"github.com/clipforge/clipforge-api/errors"
	"github.com/clipforge/clipforge-api/log"
	"github.com/clipforge/clipforge-api/store"
	"github.com/clipforge/clipforge-api/subtitle"
)

// effectSeconds is the open/close transition length. Nodes shorter than two
// transitions shrink their windows instead of inverting them.
const effectSeconds = 3.0

const rippleVolume = 0.5

// Composition is everything the Composer needs for one slice's draft.
// VideoSRTKey is the source video's transcript, used as a fallback when a full
// slice has no transcript of its own.
type Composition struct {
	Video       *store.Video
	Slice       *store.Slice
	VideoSRTKey string
}

// Composer turns a slice tree into an editor draft: clips, transition effects,
// title overlays and subtitle tracks on one timeline, then a saved draft URL.
type Composer struct {
	client  *Client
	objects *clients.ObjectStore
	library *Library
	rng     *rand.Rand
}

func NewComposer(client *Client, objects *clients.ObjectStore, library *Library) *Composer {
	return &Composer{
		client:  client,
		objects: objects,
		library: library,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Compose builds, saves and resolves one draft, returning its final URL.
func (cp *Composer) Compose(ctx context.Context, requestID string, in Composition) (string, error) {
	if in.Slice == nil || in.Video == nil {
		return "", errors.NewValidationError("draft composition requires a video and a slice", nil)
	}

	draftID, err := cp.client.CreateDraft(ctx, requestID)
	if err != nil {
		return "", err
	}
	log.Log(requestID, "composing draft", "backend", string(cp.client.Backend()),
		"slice_id", in.Slice.ID, "type", string(in.Slice.Type), "draft_id", draftID)

	var cursor float64
	if in.Slice.Type == store.SliceTypeFragment && len(in.Slice.SubSlices) > 0 {
		cursor, err = cp.composeFragments(ctx, requestID, draftID, in)
	} else {
		cursor, err = cp.composeFull(ctx, requestID, draftID, in)
	}
	if err != nil {
		return "", err
	}

	cursor, err = cp.addEndCard(ctx, requestID, draftID, cursor)
	if err != nil {
		return "", err
	}
	if err := cp.addCoverTitle(ctx, requestID, draftID, in.Slice, cursor); err != nil {
		return "", err
	}

	return cp.finishDraft(ctx, requestID, draftID)
}

// composeFragments lays each sub-slice clip end to end with one fixed pair of
// open/close transitions for the whole slice.
func (cp *Composer) composeFragments(ctx context.Context, requestID, draftID string, in Composition) (float64, error) {
	openFx, closeFx := PickTransitions(cp.rng)
	log.Log(requestID, "picked draft transitions", "open", openFx, "close", closeFx)

	cursor := 0.0
	for i := range in.Slice.SubSlices {
		sub := &in.Slice.SubSlices[i]
		srtText, err := cp.subtitleText(ctx, sub.SRTURL)
		if err != nil {
			return 0, err
		}
		segment := draftSegment{
			mediaKey:  sub.SlicedFilePath,
			duration:  sub.Duration,
			title:     sub.Title,
			srtText:   srtText,
			srtTrack:  fmt.Sprintf("subtitle_%d", sub.ID),
			openFx:    openFx,
			closeFx:   closeFx,
			withIntro: true,
		}
		if err := cp.addSegment(ctx, requestID, draftID, segment, cursor); err != nil {
			return 0, fmt.Errorf("error composing sub slice %d: %w", sub.ID, err)
		}
		cursor += sub.Duration
	}
	return cursor, nil
}

// composeFull lays the whole slice as one segment with the slice transcript,
// falling back to the source video's transcript.
func (cp *Composer) composeFull(ctx context.Context, requestID, draftID string, in Composition) (float64, error) {
	srtKey := in.Slice.SRTURL
	if srtKey == "" {
		srtKey = in.VideoSRTKey
	}
	srtText, err := cp.subtitleText(ctx, srtKey)
	if err != nil {
		return 0, err
	}
	openFx, closeFx := PickTransitions(cp.rng)
	segment := draftSegment{
		mediaKey: in.Slice.SlicedFilePath,
		duration: in.Slice.Duration,
		srtText:  srtText,
		srtTrack: fmt.Sprintf("subtitle_slice_%d", in.Slice.ID),
		openFx:   openFx,
		closeFx:  closeFx,
	}
	if err := cp.addSegment(ctx, requestID, draftID, segment, 0); err != nil {
		return 0, fmt.Errorf("error composing slice %d: %w", in.Slice.ID, err)
	}
	return in.Slice.Duration, nil
}

type draftSegment struct {
	mediaKey  string
	duration  float64
	title     string
	srtText   string
	srtTrack  string
	openFx    string
	closeFx   string
	withIntro bool
}

// addSegment places one clip at cursor t with the standard effect shape:
// open over [t, t+3], colored lines across the body, close over the last 3s,
// the ripple sound and title under the opening, then video and subtitles.
func (cp *Composer) addSegment(ctx context.Context, requestID, draftID string, seg draftSegment, t float64) error {
	d := seg.duration
	if d <= 0 {
		return errors.NewValidationError(fmt.Sprintf("segment %q has no duration", seg.mediaKey), nil)
	}
	lead := math.Min(effectSeconds, d/2)

	if err := cp.client.AddEffect(ctx, requestID, EffectArgs{
		DraftID: draftID, EffectType: seg.openFx, Start: t, End: t + lead,
	}); err != nil {
		return err
	}
	if d > 2*lead {
		if err := cp.client.AddEffect(ctx, requestID, EffectArgs{
			DraftID: draftID, EffectType: EffectTVColoredLines,
			Start: t + lead, End: t + d - lead, Params: TVColoredLinesParams,
		}); err != nil {
			return err
		}
	}
	if err := cp.client.AddEffect(ctx, requestID, EffectArgs{
		DraftID: draftID, EffectType: seg.closeFx, Start: t + d - lead, End: t + d,
	}); err != nil {
		return err
	}

	rippleURL, err := cp.library.ResolveURL(ctx, requestID, TagWaterRipple, KindAudio)
	if err != nil {
		return err
	}
	if err := cp.client.AddAudio(ctx, requestID, AudioArgs{
		DraftID: draftID, AudioURL: rippleURL,
		Start: 0, End: lead, TargetStart: t, Volume: rippleVolume,
	}); err != nil {
		return err
	}

	if seg.title != "" {
		args := TextArgs{
			DraftID: draftID, Text: seg.title,
			Start: t, End: t + lead,
		}
		if seg.withIntro {
			args.IntroAnimation = AnimationSqueeze
		}
		if err := cp.client.AddText(ctx, requestID, args); err != nil {
			return err
		}
	}

	mediaURL, err := cp.mediaURL(seg.mediaKey)
	if err != nil {
		return err
	}
	if err := cp.client.AddVideo(ctx, requestID, VideoArgs{
		DraftID: draftID, VideoURL: mediaURL,
		Start: 0, End: d, TargetStart: t,
	}); err != nil {
		return err
	}

	if seg.srtText != "" {
		if err := cp.client.AddSubtitle(ctx, requestID, SubtitleArgs{
			DraftID: draftID, SRT: seg.srtText,
			TrackName: seg.srtTrack, TimeOffset: t,
		}); err != nil {
			return err
		}
	}
	return nil
}

// addEndCard appends the tagged ending clip under a fade-in, extending the
// timeline by the transition length. A missing ending resource is tolerated.
func (cp *Composer) addEndCard(ctx context.Context, requestID, draftID string, t float64) (float64, error) {
	endingURL, err := cp.library.ResolveURL(ctx, requestID, TagEnding, KindVideo)
	if errors.IsObjectNotFound(err) {
		log.Log(requestID, "no ending resource configured, skipping end card")
		return t, nil
	}
	if err != nil {
		return t, err
	}
	if err := cp.client.AddEffect(ctx, requestID, EffectArgs{
		DraftID: draftID, EffectType: EffectFadeInOpening, Start: t, End: t + effectSeconds,
	}); err != nil {
		return t, err
	}
	if err := cp.client.AddVideo(ctx, requestID, VideoArgs{
		DraftID: draftID, VideoURL: endingURL,
		Start: 0, End: effectSeconds, TargetStart: t,
	}); err != nil {
		return t, err
	}
	return t + effectSeconds, nil
}

// addCoverTitle overlays the slice cover title across the whole timeline at
// the upper third, dated like "标题 (2026-08-25)".
func (cp *Composer) addCoverTitle(ctx context.Context, requestID, draftID string, slice *store.Slice, end float64) error {
	title := slice.CoverTitle
	if title == "" {
		title = slice.Title
	}
	if title == "" {
		return nil
	}
	title = fmt.Sprintf("%s (%s)", title, config.Clock.Now().Format("2006-01-02"))
	return cp.client.AddText(ctx, requestID, TextArgs{
		DraftID: draftID, Text: title,
		Start: 0, End: end,
		TransformY: 0.66,
	})
}

func (cp *Composer) finishDraft(ctx context.Context, requestID, draftID string) (string, error) {
	save, err := cp.client.SaveDraft(ctx, requestID, draftID)
	if err != nil {
		return "", err
	}
	if save.DraftURL != "" {
		return save.DraftURL, nil
	}
	taskID := save.TaskID
	if taskID == "" {
		taskID = draftID
	}
	return cp.client.WaitForDraft(ctx, requestID, taskID)
}

// subtitleText loads and cleans a stored SRT artifact. An empty key means the
// node has no transcript, which is not an error.
func (cp *Composer) subtitleText(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", nil
	}
	data, err := cp.objects.ReadAll(ctx, key)
	if errors.IsObjectNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	text := subtitle.Decode(data)
	cues, err := subtitle.Parse(text)
	if err != nil || len(cues) == 0 {
		return "", nil
	}
	return string(subtitle.Marshal(subtitle.Sanitize(cues))), nil
}

// mediaURL converts a stored media reference into something the editor can
// fetch: absolute URLs pass through, keys are presigned once for the public
// endpoint.
func (cp *Composer) mediaURL(stored string) (string, error) {
	if stored == "" {
		return "", errors.NewValidationError("segment has no media file", nil)
	}
	if strings.HasPrefix(stored, "http://") || strings.HasPrefix(stored, "https://") {
		return stored, nil
	}
	return cp.objects.PresignPublic(stored, 0)
}
