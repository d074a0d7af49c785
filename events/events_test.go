package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomrelay/bus"
	"github.com/caio-sobreiro/dicomrelay/bus/bustest"
	"github.com/caio-sobreiro/dicomrelay/dicom"
	dicomerrors "github.com/caio-sobreiro/dicomrelay/errors"
	"github.com/caio-sobreiro/dicomrelay/interfaces"
	"github.com/caio-sobreiro/dicomrelay/types"
)

func storedDataset() *dicom.Dataset {
	ds := dicom.NewDataset(types.ExplicitVRLittleEndian)
	ds.AddString(dicom.TagSOPClassUID, dicom.VR_UI, types.CTImageStorage)
	ds.AddString(dicom.TagSOPInstanceUID, dicom.VR_UI, "1.2.3.4")
	ds.AddString(dicom.TagPatientName, dicom.VR_PN, "Doe^Jane")
	ds.AddElement(dicom.Tag{Group: 0x0028, Element: 0x0010}, dicom.VR_US, []byte{0x00, 0x02})
	ds.AddElement(dicom.TagPixelData, dicom.VR_OW, make([]byte, 16))
	return ds
}

func TestElements(t *testing.T) {
	got := Elements(storedDataset())
	require.Len(t, got, 5)

	assert.Equal(t, Element{Group: "0008", Element: "0016", VR: "UI", Value: types.CTImageStorage}, got[0])
	assert.Equal(t, Element{Group: "0010", Element: "0010", VR: "PN", Value: "Doe^Jane"}, got[2])
	assert.Equal(t, Element{Group: "0028", Element: "0010", VR: "US", Value: "512"}, got[3])
	assert.Equal(t, Element{Group: "7FE0", Element: "0010", VR: "OW"}, got[4], "bulk data has no value")

	assert.Nil(t, Elements(nil))
}

func TestNew(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	stored := ImageStoredEvent{Store: Store{Provider: "local", BucketName: "dicom", ObjectName: "1.2/1.2.3.dcm"}}
	event, err := New(TypeImageStored, "1.2.3", at, stored)
	require.NoError(t, err)

	assert.Equal(t, "1.0", event.SpecVersion)
	assert.Equal(t, "ImagingIngestion", event.Source)
	assert.Equal(t, ContentTypeJSON, event.DataContentType)
	assert.Equal(t, at.UTC(), event.Time)
	_, err = uuid.Parse(event.ID)
	assert.NoError(t, err)

	var data ImageStoredEvent
	require.NoError(t, event.Decode(&data))
	assert.Equal(t, "1.2/1.2.3.dcm", data.Store.ObjectName)

	other, err := New(TypeImageStored, "1.2.3", at, data)
	require.NoError(t, err)
	assert.NotEqual(t, event.ID, other.ID)

	event.DataContentType = "application/xml"
	assert.Error(t, event.Decode(&data))
}

func TestPublisher_PublishImageStored(t *testing.T) {
	b := bustest.New()
	defer b.Close()

	received := make(chan []byte, 1)
	_, err := b.Subscribe("archive.events", func(msg *bus.Msg) { received <- msg.Data })
	require.NoError(t, err)

	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC))
	p, err := NewPublisher(b, "archive.events", WithClock(mock), WithWADOEndpoints("http://internal/wado", ""))
	require.NoError(t, err)

	err = p.PublishImageStored(context.Background(), interfaces.ImageStored{
		SOPClassUID:       types.CTImageStorage,
		SOPInstanceUID:    "1.2.3.4",
		TransferSyntaxUID: types.ExplicitVRLittleEndian,
		Dataset:           storedDataset(),
		Provider:          "local",
		Bucket:            "dicom",
		ObjectName:        "abcd.dcm",
	})
	require.NoError(t, err)

	var payload []byte
	select {
	case payload = <-received:
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	var event CloudEvent
	require.NoError(t, json.Unmarshal(payload, &event))
	assert.Equal(t, TypeImageStored, event.Type)
	assert.Equal(t, "1.2.3.4", event.Subject)
	assert.Equal(t, mock.Now(), event.Time)

	var stored ImageStoredEvent
	require.NoError(t, event.Decode(&stored))
	assert.Equal(t, Store{Provider: "local", BucketName: "dicom", ObjectName: "abcd.dcm", WADOInternalEndpoint: "http://internal/wado"}, stored.Store)
	assert.Equal(t, types.ExplicitVRLittleEndian, stored.Image.TransferSyntaxUID)
	assert.Len(t, stored.Image.Elements, 5)
}

func TestPublisher_Errors(t *testing.T) {
	_, err := NewPublisher(nil, "x")
	assert.Error(t, err)
	_, err = NewPublisher(bustest.New(), "")
	assert.Error(t, err)

	b := bustest.New()
	p, err := NewPublisher(b, "archive.events")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, TypeImageStored, "", ImageStoredEvent{}), context.Canceled)

	b.Close()
	err = p.Publish(context.Background(), TypeImageStored, "", ImageStoredEvent{})
	assert.ErrorIs(t, err, dicomerrors.ErrBusDisconnected)
}
