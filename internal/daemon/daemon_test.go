package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDef() serviceDef {
	return serviceDef{
		Label:   label,
		Exec:    "/usr/local/bin/cityminer",
		Args:    []string{"run", "--auto", "--no-web"},
		LogPath: "/home/u/.cityminer/cityminer.log",
		Home:    "/home/u/.cityminer",
	}
}

func TestRenderSystemdUnit(t *testing.T) {
	data, err := render(systemdUnit, testDef())
	require.NoError(t, err)
	unit := string(data)
	assert.Contains(t, unit, "ExecStart=/usr/local/bin/cityminer run --auto --no-web\n")
	assert.Contains(t, unit, "Environment=CITYMINER_HOME=/home/u/.cityminer\n")
	assert.Contains(t, unit, "StandardOutput=append:/home/u/.cityminer/cityminer.log\n")
}

func TestRenderLaunchdPlist(t *testing.T) {
	data, err := render(launchdPlist, testDef())
	require.NoError(t, err)
	plist := string(data)
	assert.Contains(t, plist, "<string>app.sodmax.cityminer</string>")
	assert.Contains(t, plist, "<string>/usr/local/bin/cityminer</string>\n        <string>run</string>\n        <string>--auto</string>\n        <string>--no-web</string>\n    </array>")
	assert.Contains(t, plist, "<key>CITYMINER_HOME</key>")
}

func TestStatusReadsLock(t *testing.T) {
	t.Setenv("CITYMINER_HOME", t.TempDir())
	pid, running := runningPID()
	assert.False(t, running)
	assert.Zero(t, pid)
}
