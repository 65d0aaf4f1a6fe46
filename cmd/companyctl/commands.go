package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	sdk "AgentCompany/sdk/go/company"
)

func (c *StatusCmd) Run(a *app) error {
	ctx, cancel := a.call()
	defer cancel()
	s, err := a.client.Status(ctx)
	if err != nil {
		return err
	}
	return a.print(s, func(w io.Writer) { renderStatus(w, s) })
}

func (c *CompaniesCmd) Run(a *app) error {
	ctx, cancel := a.call()
	defer cancel()
	names, err := a.client.Companies(ctx)
	if err != nil {
		return err
	}
	return a.print(names, func(w io.Writer) {
		for i, name := range names {
			if i == 0 {
				name += labelStyle.Render(" (default)")
			}
			fmt.Fprintln(w, name)
		}
	})
}

func (c *AgentsCmd) Run(a *app) error {
	ctx, cancel := a.call()
	defer cancel()
	agents, err := a.client.Agents(ctx)
	if err != nil {
		return err
	}
	return a.print(agents, func(w io.Writer) { renderAgents(w, agents) })
}

func (c *OrgChartCmd) Run(a *app) error {
	ctx, cancel := a.call()
	defer cancel()
	root, err := a.client.OrgChart(ctx)
	if err != nil {
		return err
	}
	return a.print(root, func(w io.Writer) { renderOrgChart(w, root) })
}

func (c *TasksListCmd) Run(a *app) error {
	ctx, cancel := a.call()
	defer cancel()
	tasks, err := a.client.Tasks(ctx, sdk.TaskFilter{
		GoalRunID: c.Goal,
		Assignee:  c.Assignee,
		Statuses:  c.Status,
		Query:     c.Query,
		Limit:     c.Limit,
	})
	if err != nil {
		return err
	}
	return a.print(tasks, func(w io.Writer) { renderTasks(w, tasks) })
}

func (c *TaskShowCmd) Run(a *app) error {
	ctx, cancel := a.call()
	defer cancel()
	t, err := a.client.Task(ctx, c.ID)
	if err != nil {
		return err
	}
	return a.print(t, func(w io.Writer) { renderTask(w, t) })
}

func (c *TaskCreateCmd) Run(a *app) error {
	ctx, cancel := a.call()
	defer cancel()
	t, err := a.client.CreateTask(ctx, sdk.CreateTask{
		GoalRunID:   c.Goal,
		Description: c.Description,
		Role:        c.Role,
		Assignee:    c.Assignee,
		DependsOn:   c.DependsOn,
	})
	if err != nil {
		return err
	}
	return a.print(t, func(w io.Writer) { renderTask(w, t) })
}

func (c *GoalSubmitCmd) Run(a *app) error {
	ctx, cancel := a.call()
	run, err := a.client.SubmitGoal(ctx, strings.Join(c.Goal, " "))
	cancel()
	if err != nil {
		return err
	}
	if c.Wait {
		return waitAndShow(a, run.ID)
	}
	return a.print(run, func(w io.Writer) {
		fmt.Fprintf(w, "submitted %s\n", headStyle.Render(run.ID))
	})
}

func (c *GoalListCmd) Run(a *app) error {
	ctx, cancel := a.call()
	defer cancel()
	runs, err := a.client.Goals(ctx)
	if err != nil {
		return err
	}
	return a.print(runs, func(w io.Writer) { renderGoals(w, runs) })
}

func (c *GoalShowCmd) Run(a *app) error {
	ctx, cancel := a.call()
	defer cancel()
	d, err := a.client.Goal(ctx, c.ID)
	if err != nil {
		return err
	}
	return a.print(d, func(w io.Writer) { renderGoal(w, d) })
}

func (c *GoalStopCmd) Run(a *app) error {
	ctx, cancel := a.call()
	defer cancel()
	if err := a.client.StopGoal(ctx, c.ID); err != nil {
		return err
	}
	return a.print(map[string]string{"id": c.ID, "status": "stopping"}, func(w io.Writer) {
		fmt.Fprintf(w, "stop requested for %s\n", headStyle.Render(c.ID))
	})
}

func (c *GoalResumeCmd) Run(a *app) error {
	ctx, cancel := a.call()
	run, err := a.client.ResumeGoal(ctx, c.ID)
	cancel()
	if err != nil {
		return err
	}
	if c.Wait {
		return waitAndShow(a, run.ID)
	}
	return a.print(run, func(w io.Writer) {
		fmt.Fprintf(w, "resumed %s at cycle %d\n", headStyle.Render(run.ID), run.Cycle)
	})
}

func (c *GoalWaitCmd) Run(a *app) error {
	if _, err := a.client.WaitGoal(a.ctx, c.ID, c.Every); err != nil {
		return err
	}
	return (&GoalShowCmd{ID: c.ID}).Run(a)
}

func waitAndShow(a *app, id string) error {
	return (&GoalWaitCmd{ID: id}).Run(a)
}

func (c *CostCmd) Run(a *app) error {
	ctx, cancel := a.call()
	defer cancel()
	report, err := a.client.Cost(ctx, c.Recent)
	if err != nil {
		return err
	}
	return a.print(report, func(w io.Writer) { renderCost(w, report) })
}

func (c *PaymentsListCmd) Run(a *app) error {
	ctx, cancel := a.call()
	defer cancel()
	payments, err := a.client.Payments(ctx, c.Status)
	if err != nil {
		return err
	}
	return a.print(payments, func(w io.Writer) { renderPayments(w, payments) })
}

func (c *PaymentShowCmd) Run(a *app) error {
	ctx, cancel := a.call()
	defer cancel()
	p, err := a.client.Payment(ctx, c.ID)
	if err != nil {
		return err
	}
	return a.print(p, func(w io.Writer) { renderPayment(w, p) })
}

func (c *PaymentApproveCmd) Run(a *app) error {
	ctx, cancel := a.call()
	defer cancel()
	p, err := a.client.ApprovePayment(ctx, c.ID)
	if err != nil {
		return err
	}
	return a.print(p, func(w io.Writer) { renderPayment(w, p) })
}

func (c *PaymentRejectCmd) Run(a *app) error {
	ctx, cancel := a.call()
	defer cancel()
	p, err := a.client.RejectPayment(ctx, c.ID)
	if err != nil {
		return err
	}
	return a.print(p, func(w io.Writer) { renderPayment(w, p) })
}

func (c *WalletCmd) Run(a *app) error {
	ctx, cancel := a.call()
	defer cancel()
	s, err := a.client.Wallet(ctx, c.Chain)
	if err != nil {
		return err
	}
	return a.print(s, func(w io.Writer) { renderWallet(w, s) })
}

// Run streams until interrupted, so it ignores the per-request timeout.
func (c *EventsCmd) Run(a *app) error {
	stream, err := a.client.Events(a.ctx, sdk.EventFilter{After: c.After, Topics: c.Topics})
	if err != nil {
		return err
	}
	for ev := range stream {
		if err := a.print(ev, func(w io.Writer) { renderEvent(w, ev) }); err != nil {
			return err
		}
	}
	if a.ctx.Err() != nil {
		return nil
	}
	return errors.New("event stream closed by server")
}
