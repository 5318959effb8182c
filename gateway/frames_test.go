package gateway

import (
	"encoding/json"
	"testing"

	"pulseim/fanout"
	"pulseim/tools/errs"
)

func TestDecodeInboundVariants(t *testing.T) {
	f, err := DecodeInbound([]byte(`{"type":"send_message","conversation_id":"c1","content":"hi","client_message_id":"cm1"}`))
	if err != nil {
		t.Fatalf("decode send_message: %v", err)
	}
	sm, ok := f.(SendMessageFrame)
	if !ok {
		t.Fatalf("got %T, want SendMessageFrame", f)
	}
	if sm.ConversationID != "c1" || sm.Content != "hi" || sm.ClientMessageID != "cm1" {
		t.Fatalf("bad fields: %+v", sm)
	}

	f, err = DecodeInbound([]byte(`{"type":"read","conversation_id":"c1","message_id":"m1"}`))
	if err != nil {
		t.Fatalf("decode read: %v", err)
	}
	if rf := f.(ReadFrame); rf.MessageID != "m1" {
		t.Fatalf("bad read frame: %+v", rf)
	}

	if _, err = DecodeInbound([]byte(`{"type":"sync"}`)); err != nil {
		t.Fatalf("decode sync: %v", err)
	}
}

func TestDecodeInboundUnknownType(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"type":"subscribe"}`))
	if errs.CodeOf(err) == nil || errs.CodeOf(err).Code != errs.CodeUnknownFrame {
		t.Fatalf("want unknown-frame code, got %v", err)
	}
}

func TestDecodeInboundBadJSON(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"type":`))
	if errs.CodeOf(err) == nil || errs.CodeOf(err).Code != errs.CodeMalformedFrame {
		t.Fatalf("want malformed-frame code, got %v", err)
	}
}

func TestErrorFrameCarriesCodeAndCorrelation(t *testing.T) {
	raw := ErrorFrame(errs.ErrNotParticipant.WithDetail("conversation=c9"), "cm42")
	var got struct {
		Type            string `json:"type"`
		Error           string `json:"error"`
		Code            int    `json:"code"`
		ClientMessageID string `json:"client_message_id"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != FrameError || got.Code != errs.CodeNotParticipant || got.ClientMessageID != "cm42" {
		t.Fatalf("bad error frame: %+v", got)
	}
}

func TestEventRoundTrip(t *testing.T) {
	in := ReadReceiptEvent{
		ConversationID: "c1",
		UserID:         "u2",
		MessageID:      "m7",
		ParticipantIDs: []string{"u1", "u2"},
	}
	id, data, err := EncodeEvent(in)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("empty dedup id")
	}
	gotID, ev, err := DecodeEvent(data)
	if err != nil {
		t.Fatal(err)
	}
	if gotID != id {
		t.Fatalf("id changed: %s != %s", gotID, id)
	}
	out, ok := ev.(ReadReceiptEvent)
	if !ok {
		t.Fatalf("got %T", ev)
	}
	if out.MessageID != in.MessageID || len(out.ParticipantIDs) != 2 {
		t.Fatalf("bad round trip: %+v", out)
	}
}

func TestDecodeEventUnknownOp(t *testing.T) {
	if _, _, err := DecodeEvent([]byte(`{"op":"ban_user","id":"1","data":{}}`)); err == nil {
		t.Fatal("unknown op must not decode")
	}
}

func TestTopicFor(t *testing.T) {
	cases := []struct {
		ev   Event
		want fanout.Topic
	}{
		{NewMessageEvent{}, fanout.TopicMessages},
		{TypingEvent{}, fanout.TopicTyping},
		{ReadReceiptEvent{}, fanout.TopicReadReceipts},
		{ReactionUpdateEvent{}, fanout.TopicReactions},
		{PresenceEvent{}, fanout.TopicPresence},
	}
	for _, c := range cases {
		if got := TopicFor(c.ev); got != c.want {
			t.Fatalf("%T: got %s want %s", c.ev, got, c.want)
		}
	}
}
