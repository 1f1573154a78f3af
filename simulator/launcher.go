package simulator

import (
	"context"
	"strings"

	"github.com/smnsjas/go-mctr/hostctl"
)

// Banner is the first line a simulated host controller prints.
const Banner = "TTCN-3 Host Controller (parallel mode)"

// Launcher connects simulated host controllers to a Controller instead of
// running the HC command. It implements hostctl.Launcher.
type Launcher struct {
	ctrl *Controller
}

// NewLauncher returns a Launcher for c.
func NewLauncher(c *Controller) *Launcher {
	return &Launcher{ctrl: c}
}

// Launch connects one HC on the host named by command. A command that does
// not start with ssh runs on the local host.
func (l *Launcher) Launch(ctx context.Context, command string, sink hostctl.Sink) {
	go func() {
		if ctx.Err() != nil {
			sink.Failed((&hostctl.CommandError{Command: command, Interrupted: true}).Error())
			return
		}
		sink.Output(Banner)
		if err := l.ctrl.ConnectHC(commandHost(command)); err != nil {
			sink.Failed(err.Error())
		}
	}()
}

func commandHost(command string) string {
	fields := strings.Fields(command)
	if len(fields) >= 2 && fields[0] == "ssh" {
		return fields[1]
	}
	return ""
}
