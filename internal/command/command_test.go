package command_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imageintact/backupcore/internal/command"
)

func Test_Unit_Command_TypeSwitch_DispatchesEachVariant(t *testing.T) {
	t.Parallel()

	cmds := []command.Command{
		command.SelectSource{Path: "/src"},
		command.AddDestination{Path: "/dst"},
		command.RemoveDestination{Path: "/dst"},
		command.Run{},
		command.Cancel{},
		command.ClearAll{},
		command.Export{SessionID: "sess-1", AsJSON: true},
		command.CheckUpdates{},
	}

	var seen []string

	for _, c := range cmds {
		switch v := c.(type) {
		case command.SelectSource:
			require.Equal(t, "/src", v.Path)
			seen = append(seen, "select_source")
		case command.AddDestination:
			require.Equal(t, "/dst", v.Path)
			seen = append(seen, "add_destination")
		case command.RemoveDestination:
			seen = append(seen, "remove_destination")
		case command.Run:
			seen = append(seen, "run")
		case command.Cancel:
			seen = append(seen, "cancel")
		case command.ClearAll:
			seen = append(seen, "clear_all")
		case command.Export:
			require.Equal(t, "sess-1", v.SessionID)
			require.True(t, v.AsJSON)
			seen = append(seen, "export")
		case command.CheckUpdates:
			seen = append(seen, "check_updates")
		default:
			t.Fatalf("unhandled command variant: %T", v)
		}
	}

	require.Len(t, seen, len(cmds))
}
