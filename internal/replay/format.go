package replay

import (
	"fmt"

	"github.com/vinayprograms/chatty/internal/action"
	"github.com/vinayprograms/chatty/internal/session"
)

// formatTurn prints one turn: the input, every batch and the closing answer.
func (r *Replayer) formatTurn(turn *session.Turn) {
	seqNum := seqStyle.Render(fmt.Sprintf("%d", turn.Seq))
	ts := timeStyle.Render(turn.Started.Format("15:04:05.000"))

	who := flowStyle.Render("USER")
	if turn.Agent != "" {
		who = subagentStyle.Render("AGENT " + turn.Agent)
	}
	fmt.Fprintf(r.output, "%s │ %s │ %s\n", seqNum, ts, who)
	r.printContent(turn.Input)

	for i := range turn.Batches {
		r.formatBatch(&turn.Batches[i])
	}

	end := timeStyle.Render(turn.Ended.Format("15:04:05.000"))
	switch {
	case !turn.Closed:
		fmt.Fprintf(r.output, "%s │ %s │ %s\n", seqStyle.Render(""), ts, warnStyle.Render("OPEN"))
	case turn.Error != "":
		fmt.Fprintf(r.output, "%s │ %s │ %s\n", seqStyle.Render(""), end, errorStyle.Render("FAILED"))
		r.printError(turn.Error)
	default:
		fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seqStyle.Render(""), end,
			flowStyle.Render("ANSWER"),
			dimStyle.Render(fmt.Sprintf("(%s)", formatDuration(turn.Ended.Sub(turn.Started).Milliseconds()))))
		r.printContent(turn.Answer)
	}
}

func (r *Replayer) formatBatch(b *session.Batch) {
	ts := timeStyle.Render(b.Timestamp.Format("15:04:05.000"))
	fmt.Fprintf(r.output, "%s │ %s │ %s %s\n", seqStyle.Render(""), ts,
		flowStyle.Render(fmt.Sprintf("STEP %d", b.Step)),
		dimStyle.Render(fmt.Sprintf("%d actions (%dms)", len(b.Actions), b.DurationMs)))
	if r.verbosity >= 2 && b.Response != "" {
		r.printContent(b.Response)
	}

	// A malformed block has no actions and a single synthetic result.
	if len(b.Actions) == 0 {
		for _, res := range b.Results {
			r.fmtResult(nil, res)
		}
		return
	}
	for i, a := range b.Actions {
		var res *action.Result
		if i < len(b.Results) {
			res = &b.Results[i]
		}
		r.fmtAction(a)
		if res != nil {
			r.fmtResult(&a, *res)
		}
	}
}

func (r *Replayer) fmtAction(a action.Action) {
	fmt.Fprintf(r.output, "      │          │ %s %s%s %s\n",
		kindStyle(a.Kind).Render(kindLabel(a.Kind)),
		valueStyle.Render(a.Name),
		r.getArgsHint(a.Name, a.Arguments),
		dimStyle.Render("["+a.CallID+"]"))
	if r.verbosity >= 1 && len(a.Arguments) > 0 {
		r.printArgs(a.Arguments)
	}
}

func (r *Replayer) fmtResult(a *action.Action, res action.Result) {
	label := string(res.Status)
	if a == nil {
		label = res.CallID + " " + label
	}
	fmt.Fprintf(r.output, "      │          │   %s %s\n",
		dimStyle.Render("→"),
		r.statusStyle(string(res.Status)).Render(label))

	switch {
	case res.Status != action.StatusOK:
		r.printError(res.Text())
	case r.verbosity >= 1:
		r.printContent(res.Text())
	}
}

func kindLabel(k action.Kind) string {
	switch k {
	case action.KindScript:
		return "SCRIPT:"
	case action.KindSpawnAgent:
		return "SPAWN:"
	case action.KindWaitAgents:
		return "WAIT:"
	default:
		return "TOOL:"
	}
}
