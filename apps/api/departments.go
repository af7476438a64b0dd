package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	deptRoads      = "Roads & Infrastructure"
	deptSanitation = "Sanitation"
	deptElectrical = "Electrical"
	deptWater      = "Water Supply"
	deptParks      = "Parks & Environment"

	defaultDepartment = deptRoads

	routingSourceCategory = "category"
	routingSourceDefault  = "default"
)

var categoryDepartments = map[string]string{
	"pothole":     deptRoads,
	"garbage":     deptSanitation,
	"streetlight": deptElectrical,
	"water_leak":  deptWater,
}

type Department struct {
	ID           int     `json:"id"`
	Name         string  `json:"name"`
	ContactEmail *string `json:"contact_email,omitempty"`
	ContactPhone *string `json:"contact_phone,omitempty"`
	IsActive     bool    `json:"is_active"`
}

// departmentForCategory resolves the fixed category table. The second
// return value reports whether the category was known.
func departmentForCategory(category string) (string, bool) {
	name, ok := categoryDepartments[strings.ToLower(strings.TrimSpace(category))]
	if !ok {
		return defaultDepartment, false
	}
	return name, true
}

type departmentRouting struct {
	Name   string
	Source string
}

// resolveDepartmentName decides which department a new report is routed to.
// Known categories win; otherwise the auto-router runs and anything it
// cannot place lands on the default department.
func (a *App) resolveDepartmentName(ctx context.Context, category, text string, filenames []string) departmentRouting {
	if name, ok := departmentForCategory(category); ok {
		return departmentRouting{Name: name, Source: routingSourceCategory}
	}

	routed := a.router.Route(ctx, text, filenames)
	if routed.Department != routeOther && routed.Department != "" {
		return departmentRouting{Name: routed.Department, Source: routed.Source}
	}
	return departmentRouting{Name: defaultDepartment, Source: routingSourceDefault}
}

func (a *App) lookupDepartment(ctx context.Context, name string) (*Department, error) {
	dept, err := a.store.GetDepartmentByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if dept == nil {
		a.log.Error("department not configured", "department", name)
		return nil, &apiError{
			Status:  http.StatusInternalServerError,
			Code:    "department_not_configured",
			Message: fmt.Sprintf("Department %q is not configured", name),
		}
	}
	return dept, nil
}

func (a *App) departmentsHandler(c *gin.Context) {
	departments, err := a.store.ListDepartments(c.Request.Context())
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "departments": departments})
}
