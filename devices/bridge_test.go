package devices

import (
	"context"
	"testing"

	"github.com/OnlyOneSky/remita-e2e/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstablishBridgeNoopForPhysicalDevice(t *testing.T) {
	device := models.Device{UDID: "R58M123ABC", OS: models.OSAndroid, Form: models.FormPhysical, State: models.StateOnline}

	handle, err := EstablishBridge(context.Background(), device, 8090)
	require.NoError(t, err)
	require.NotNil(t, handle)

	// An inert handle never touches adb on close and stays idempotent
	assert.NoError(t, handle.Close())
	assert.NoError(t, handle.Close())
}

func TestEstablishBridgeNoopForSimulator(t *testing.T) {
	device := models.Device{UDID: "AAAAAAAA-0000", OS: models.OSIOS, Form: models.FormSimulator, State: models.StateOnline}

	handle, err := EstablishBridge(context.Background(), device, 8090)
	require.NoError(t, err)
	assert.NoError(t, handle.Close())
}
