// Package mermaid renders workflows as Mermaid sequence diagrams and
// flowcharts.
package mermaid

import (
	"fmt"
	"strings"

	"github.com/mtzanidakis/maestro/internal/manifest"
	"github.com/mtzanidakis/maestro/internal/workflow"
)

type Kind string

const (
	SequenceDiagram Kind = "sequenceDiagram"
	Flowchart       Kind = "flowchart"
)

// Flowchart orientations.
const (
	TopDown   = "TD"
	LeftRight = "LR"
)

// Render returns wf as Mermaid markdown. orientation applies to flowcharts
// only and defaults to TD.
func Render(wf *manifest.Workflow, kind Kind, orientation string) (string, error) {
	switch kind {
	case SequenceDiagram:
		return sequence(wf), nil
	case Flowchart:
		switch orientation {
		case "":
			orientation = TopDown
		case TopDown, LeftRight:
		default:
			return "", fmt.Errorf("invalid flowchart orientation %q", orientation)
		}
		return flowchart(wf, orientation), nil
	default:
		return "", fmt.Errorf("invalid mermaid kind %q", kind)
	}
}

func ident(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func label(s string) string {
	return strings.ReplaceAll(s, `"`, "#quot;")
}

// actors maps each step to the participant that performs it. Steps without
// an agent are attributed to the previous step's participant.
func actors(tpl *manifest.Template) []string {
	out := make([]string, len(tpl.Steps))
	prev := "workflow"
	if len(tpl.Agents) > 0 {
		prev = tpl.Agents[0]
	}
	for i := range tpl.Steps {
		s := &tpl.Steps[i]
		switch {
		case s.Agent != "":
			prev = s.Agent
		case s.Loop != nil && s.Loop.Agent != "":
			prev = s.Loop.Agent
		case len(s.Parallel) > 0:
			prev = s.Parallel[0]
		}
		out[i] = ident(prev)
	}
	return out
}

func sequence(wf *manifest.Workflow) string {
	tpl := &wf.Spec.Template
	var b strings.Builder
	b.WriteString("sequenceDiagram\n")

	declared := map[string]bool{}
	participant := func(name string) {
		if id := ident(name); !declared[id] {
			declared[id] = true
			fmt.Fprintf(&b, "participant %s\n", id)
		}
	}
	for _, a := range tpl.Agents {
		participant(a)
	}
	if len(tpl.Agents) == 0 {
		participant("workflow")
	}

	who := actors(tpl)
	actorOf := func(step string) string {
		if i := tpl.StepIndex(step); i >= 0 {
			return who[i]
		}
		return ""
	}

	for i := range tpl.Steps {
		s := &tpl.Steps[i]
		left := who[i]
		right := left
		if i < len(tpl.Steps)-1 {
			right = who[i+1]
		}

		switch {
		case s.Loop != nil:
			fmt.Fprintf(&b, "loop until %s\n", s.Loop.Until)
			fmt.Fprintf(&b, "  %s->>%s: %s\n", left, left, s.Name)
			b.WriteString("end\n")
			if right != left {
				fmt.Fprintf(&b, "%s->>%s: %s\n", left, right, s.Name)
			}
		case len(s.Parallel) > 0:
			for j, a := range s.Parallel {
				if j == 0 {
					fmt.Fprintf(&b, "par %s\n", s.Name)
				} else {
					b.WriteString("and\n")
				}
				fmt.Fprintf(&b, "  %s->>%s: %s\n", left, ident(a), s.Name)
			}
			b.WriteString("end\n")
		default:
			fmt.Fprintf(&b, "%s->>%s: %s\n", left, right, s.Name)
		}

		for _, c := range s.Condition {
			switch {
			case c.If != "":
				then := actorOf(c.Then)
				if then == "" {
					then = right
				}
				fmt.Fprintf(&b, "%s->>%s: %s\n", left, then, c.If)
				b.WriteString("alt if True\n")
				fmt.Fprintf(&b, "  %s->>%s: %s\n", left, then, c.Then)
				if c.Else != "" {
					els := actorOf(c.Else)
					if els == "" {
						els = left
					}
					b.WriteString("else is False\n")
					fmt.Fprintf(&b, "  %s->>%s: %s\n", left, els, c.Else)
				}
				b.WriteString("end\n")
			case c.Case != "":
				fmt.Fprintf(&b, "%s->>%s: %s %s\n", left, orElse(actorOf(c.Do), right), c.Do, c.Case)
			case c.Default != "":
				fmt.Fprintf(&b, "%s->>%s: %s default\n", left, orElse(actorOf(c.Default), right), c.Default)
			}
		}
	}

	if exc := tpl.Exception; exc != nil && exc.Agent != "" {
		b.WriteString("opt exception\n")
		fmt.Fprintf(&b, "  %s->>%s: %s\n", ident(exc.Agent), ident(exc.Agent), orElse(exc.Name, "exception"))
		b.WriteString("end\n")
	}
	return b.String()
}

func orElse(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func flowchart(wf *manifest.Workflow, orientation string) string {
	tpl := &wf.Spec.Template
	g := workflow.Graph(wf)

	var b strings.Builder
	fmt.Fprintf(&b, "flowchart %s\n", orientation)

	for i := range tpl.Steps {
		s := &tpl.Steps[i]
		id := ident(s.Name)
		switch s.Kind() {
		case manifest.StepAgent:
			fmt.Fprintf(&b, "  %s[\"%s<br/>%s\"]\n", id, label(s.Name), label(s.Agent))
		case manifest.StepLoop:
			fmt.Fprintf(&b, "  %s[[\"%s<br/>%s until %s\"]]\n", id, label(s.Name), label(s.Loop.Agent), label(s.Loop.Until))
		case manifest.StepParallel:
			fmt.Fprintf(&b, "  %s[\"%s<br/>%s\"]\n", id, label(s.Name), label(strings.Join(s.Parallel, " | ")))
		case manifest.StepInput:
			fmt.Fprintf(&b, "  %s[/\"%s\"/]\n", id, label(s.Name))
		default:
			fmt.Fprintf(&b, "  %s([\"%s\"])\n", id, label(s.Name))
		}
	}
	fmt.Fprintf(&b, "  %s((%s))\n", workflow.StateExit, workflow.StateExit)

	for _, name := range g.Order {
		for _, e := range g.Edges[name] {
			if e.Label == "" {
				fmt.Fprintf(&b, "  %s --> %s\n", ident(name), ident(e.To))
			} else {
				fmt.Fprintf(&b, "  %s -->|\"%s\"| %s\n", ident(name), label(e.Label), ident(e.To))
			}
		}
	}

	if ev := tpl.Event; ev != nil {
		fmt.Fprintf(&b, "  event{{\"%s\"}}\n", label("cron: "+ev.Cron))
		if ev.Agent != "" {
			fmt.Fprintf(&b, "  event -.-> event_agent[\"%s\"]\n", label(ev.Agent))
		}
		if len(ev.Steps) > 0 {
			from := "event"
			if ev.Agent != "" {
				from = "event_agent"
			}
			fmt.Fprintf(&b, "  %s -.-> %s\n", from, ident(ev.Steps[0]))
		}
	}
	if exc := tpl.Exception; exc != nil && exc.Agent != "" {
		fmt.Fprintf(&b, "  exception>\"%s\"]\n", label(orElse(exc.Name, "exception")+": "+exc.Agent))
	}
	return b.String()
}
