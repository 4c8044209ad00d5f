package runtime

import (
	"fmt"
	"strings"

	"github.com/warriorguo/taskgraph/graph"
	"github.com/warriorguo/taskgraph/types"
)

var stateColors = map[types.TaskExecState]string{
	types.None:              "white",
	types.InProgress:        "yellow",
	types.OK:                "green",
	types.Error:             "red",
	types.Skipped:           "grey",
	types.CheckCache:        "lightblue",
	types.ErrorWithRecovery: "orange",
}

func newRunRenderer(runID int64) *runRenderer {
	return &runRenderer{runID: runID, sb: &strings.Builder{}}
}

type runRenderer struct {
	runID int64
	sb    *strings.Builder
}

func (d *runRenderer) render(g *graph.ExecutionGraph, state types.StateSnapshot) string {
	d.write("digraph %s {", idString(fmt.Sprintf("run %d", d.runID)))
	for _, v := range g.Vertices() {
		d.drawTask(v, state.Get(v.TaskID))
	}
	for _, edge := range g.Edges() {
		d.write("%d -> %d", edge[0], edge[1])
	}
	d.write("label=%s", quoteString(fmt.Sprintf("run %d", d.runID)))
	d.write("}")
	return d.sb.String()
}

func (d *runRenderer) drawTask(v types.TaskVertex, state types.TaskExecState) {
	label := fmt.Sprintf("#%d", v.TaskID)
	if v.TaskContextID != "" {
		label += "\\n" + addSlashes(v.TaskContextID)
	}
	d.write("%d [label=\"%s\" shape=\"record\" style=\"filled\" color=\"%s\" comment=%s]",
		v.TaskID, label, stateColors[state], quoteString(state.String()))
}

func (d *runRenderer) write(format string, s ...any) {
	d.sb.WriteString(fmt.Sprintf(format+"\n", s...))
}

var (
	slashesToken = []string{"\\", "\""}
)

func addSlashes(s string) string {
	for _, token := range slashesToken {
		s = strings.ReplaceAll(s, token, "\\"+token)
	}
	return s
}

func quoteString(s string) string {
	return "\"" + strings.ReplaceAll(s, "\"", "\\\"") + "\""
}

var idleChars = []string{" ", "'", "\"", "(", ")", "*", "&", "^", "%", "$", "#", "@", "!", "?", "<", ">", "[", "]", "{", "}", ".", ",", "-"}

func idString(s string) string {
	for _, ch := range idleChars {
		s = strings.ReplaceAll(s, ch, "_")
	}
	return s
}
