package network

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"dmsync/models"
)

func TestDeliveryFrameRoundTrip(t *testing.T) {
	delivery := MessageDelivery{
		Type: TypeMessage,
		Message: models.Message{
			ID:         "12",
			ClientID:   "c-12",
			SenderID:   "alice",
			ReceiverID: "bob",
			Content:    "hi bob",
			CreatedAt:  1_700_000_000_000,
			Seq:        12,
		},
	}

	var buffer bytes.Buffer
	if err := writeJSONFrame(&buffer, delivery); err != nil {
		t.Fatalf("writeJSONFrame failed: %v", err)
	}
	if got := binary.BigEndian.Uint32(buffer.Bytes()[:4]); int(got) != buffer.Len()-4 {
		t.Fatalf("length prefix %d does not match payload %d", got, buffer.Len()-4)
	}

	payload, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	msgType, err := DecodeMessageType(payload)
	if err != nil || msgType != TypeMessage {
		t.Fatalf("unexpected frame type %q, %v", msgType, err)
	}
	decoded, err := DecodeInto[MessageDelivery](payload)
	if err != nil {
		t.Fatalf("DecodeInto failed: %v", err)
	}
	if decoded.Message.ClientID != "c-12" || decoded.Message.Seq != 12 {
		t.Fatalf("unexpected delivered record: %+v", decoded.Message)
	}
}

func TestFrameSizeLimits(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, make([]byte, MaxFrameSize+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge on write, got %v", err)
	}

	buffer.Reset()
	if err := WriteFrame(&buffer, make([]byte, MaxControlFrameSize+1)); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if _, err := ReadControlFrame(&buffer); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected an oversized register frame to be refused, got %v", err)
	}
}

func TestReadFrameReportsTruncatedPayload(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, []byte(`{"type":"send","client_id":"c-1"}`)); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	truncated := bytes.NewReader(buffer.Bytes()[:buffer.Len()-3])
	if _, err := ReadFrame(truncated); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}

	empty := bytes.NewReader([]byte{0, 0, 0, 0})
	payload, err := ReadFrame(empty)
	if err != nil || len(payload) != 0 {
		t.Fatalf("expected empty frame, got %q, %v", payload, err)
	}
}

func TestDecodeMessageTypeRequiresType(t *testing.T) {
	if _, err := DecodeMessageType([]byte(`{"client_id":"c"}`)); !errors.Is(err, ErrInvalidMessageType) {
		t.Fatalf("expected ErrInvalidMessageType, got %v", err)
	}
	if _, err := DecodeMessageType([]byte(`not json`)); err == nil {
		t.Fatalf("expected undecodable envelope to fail")
	}
	msgType, err := DecodeMessageType([]byte(`{"type":"send_ack"}`))
	if err != nil || msgType != TypeSendAck {
		t.Fatalf("unexpected decode result %q, %v", msgType, err)
	}
}
