package controllers

import (
	"fmt"

	"tritonnet/pkg/controller"
)

func init() {
	mustRegister(controller.Info{
		Name:        LogName,
		Description: "Reference controller - logs every request and accepts it",
		Priority:    controller.PriorityDefault,
		Factory:     createLog,
	})
	mustRegister(controller.Info{
		Name:        ForwardName,
		Description: "Drives the main AC and room covers through Home Assistant service calls",
		Priority:    controller.PriorityDefault,
		Factory:     createForward,
	})
}

// mustRegister panics when a built-in controller cannot be registered.
// A lower-priority registration losing to an override is not an error.
func mustRegister(info controller.Info) {
	if _, err := controller.Register(info); err != nil {
		panic(fmt.Sprintf("register controller %q: %v", info.Name, err))
	}
}

func createLog(ctx *controller.Context) (controller.Controller, error) {
	return NewLogController(ctx.MainAC, ctx.Logger), nil
}

func createForward(ctx *controller.Context) (controller.Controller, error) {
	c, err := NewForwardController(ctx.MainAC, ctx.Covers, ctx.Services, ctx.Logger, ctx.ReadOnly)
	if err != nil {
		return nil, err
	}
	return c, nil
}
