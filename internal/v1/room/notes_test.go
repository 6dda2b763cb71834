package room

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlayNoteExcludesSender(t *testing.T) {
	reg, pub, r, _ := setupRoom(t, testOptions())
	b := joinUser(reg, r, "c-b", "bob", "bob")
	pub.reset()

	reg.PlayNote(context.Background(), r, b, PlayNotePayload{
		Notes:      []string{"C4"},
		Velocity:   0.8,
		Instrument: "piano",
		Category:   "keyboard",
		EventType:  "noteOn",
	})

	rec, ok := pub.lastRecord(r.Namespace(), EventNotePlayed)
	require.True(t, ok)
	assert.Equal(t, b.ConnID(), rec.Except, "sender must be excluded")

	p := rec.Payload.(NotePlayedPayload)
	assert.Equal(t, []string{"C4"}, p.Notes)
	assert.InDelta(t, 0.8, p.Velocity, 1e-9)

	// Playing tracks the instrument in the authoritative record.
	u, _ := r.User("bob")
	assert.Equal(t, "piano", u.CurrentInstrument)
	assert.Equal(t, "keyboard", u.CurrentCategory)
}

func TestPlayNoteFromNonMemberIgnored(t *testing.T) {
	reg, pub, r, _ := setupRoom(t, testOptions())
	stranger := newMockConn("c-s", "stranger")
	pub.reset()

	reg.PlayNote(context.Background(), r, stranger, PlayNotePayload{Notes: []string{"C4"}})

	_, ok := pub.lastRecord(r.Namespace(), EventNotePlayed)
	assert.False(t, ok)
}

func TestChangeInstrumentOrdering(t *testing.T) {
	reg, pub, r, _ := setupRoom(t, testOptions())
	b := joinUser(reg, r, "c-b", "bob", "bob")
	pub.reset()

	reg.ChangeInstrument(context.Background(), r, b, ChangeInstrumentPayload{Instrument: "drums", Category: "percussion"})

	// Listeners may still be decaying old notes: silence first, then the
	// change, then full state.
	containsInOrder(t, pub.eventsOn(r.Namespace()),
		EventStopAllNotes, EventInstrumentChanged, EventRoomStateUpdated)

	stop, _ := pub.lastRecord(r.Namespace(), EventStopAllNotes)
	assert.Equal(t, b.ConnID(), stop.Except)
	changed, _ := pub.lastRecord(r.Namespace(), EventInstrumentChanged)
	assert.Equal(t, b.ConnID(), changed.Except)
	state, _ := pub.lastRecord(r.Namespace(), EventRoomStateUpdated)
	assert.Empty(t, state.Except, "state goes to everyone, sender included")
}

func TestChangeAwayFromSynthDropsParams(t *testing.T) {
	reg, _, r, _ := setupRoom(t, testOptions())
	ctx := context.Background()
	b := joinUser(reg, r, "c-b", "bob", "bob")

	reg.ChangeInstrument(ctx, r, b, ChangeInstrumentPayload{Instrument: "analog_lead", Category: "synthesizer"})
	reg.UpdateSynthParams(ctx, r, b, json.RawMessage(`{"cutoff":0.5}`))
	reg.ChangeInstrument(ctx, r, b, ChangeInstrumentPayload{Instrument: "piano", Category: "keyboard"})

	u, _ := r.User("bob")
	assert.Nil(t, u.SynthParams)
}

func TestUpdateSynthParamsBroadcastsExceptSender(t *testing.T) {
	reg, pub, r, _ := setupRoom(t, testOptions())
	b := joinUser(reg, r, "c-b", "bob", "bob")
	pub.reset()

	reg.UpdateSynthParams(context.Background(), r, b, json.RawMessage(`{"resonance":0.7}`))

	rec, ok := pub.lastRecord(r.Namespace(), EventSynthParamsChanged)
	require.True(t, ok)
	assert.Equal(t, b.ConnID(), rec.Except)
	assert.JSONEq(t, `{"resonance":0.7}`, string(rec.Payload.(SynthParamsChangedPayload).Params))

	u, _ := r.User("bob")
	assert.JSONEq(t, `{"resonance":0.7}`, string(u.SynthParams))
}

func TestRequestSynthParamsAnswersFromStore(t *testing.T) {
	reg, pub, r, _ := setupRoom(t, testOptions())
	ctx := context.Background()
	b := joinUser(reg, r, "c-b", "bob", "bob")
	reg.ChangeInstrument(ctx, r, b, ChangeInstrumentPayload{Instrument: "analog_lead", Category: "synthesizer"})
	reg.UpdateSynthParams(ctx, r, b, json.RawMessage(`{"cutoff":0.3}`))

	c := joinUser(reg, r, "c-c", "carol", "carol")
	pub.reset()
	reg.RequestSynthParams(ctx, r, c)

	sent := pub.sentTo(c.ConnID())
	require.NotEmpty(t, sent)
	assert.Equal(t, EventSynthParamsReply, sent[0].Event)
	replies := sent[0].Payload.([]SynthParamsChangedPayload)
	require.Len(t, replies, 1)
	assert.JSONEq(t, `{"cutoff":0.3}`, string(replies[0].Params))
}

func TestNewJoinerTriggersAutoSendToSynthUsers(t *testing.T) {
	reg, pub, r, _ := setupRoom(t, testOptions())
	ctx := context.Background()
	b := joinUser(reg, r, "c-b", "bob", "bob")
	reg.ChangeInstrument(ctx, r, b, ChangeInstrumentPayload{Instrument: "analog_lead", Category: "synthesizer"})
	pub.reset()

	joinUser(reg, r, "c-c", "carol", "carol")

	var got *AutoSendSynthPayload
	for _, rec := range pub.sentTo(b.ConnID()) {
		if rec.Event == EventAutoSendSynth {
			p := rec.Payload.(AutoSendSynthPayload)
			got = &p
		}
	}
	require.NotNil(t, got, "synth users are asked to push params to the newcomer")
	assert.Equal(t, "carol", string(got.NewUserID))
}

func TestStopAllNotesExcludesSender(t *testing.T) {
	reg, pub, r, _ := setupRoom(t, testOptions())
	b := joinUser(reg, r, "c-b", "bob", "bob")
	pub.reset()

	reg.StopAllNotes(context.Background(), r, b)

	rec, ok := pub.lastRecord(r.Namespace(), EventStopAllNotes)
	require.True(t, ok)
	assert.Equal(t, b.ConnID(), rec.Except)
}
