package cucumber

import (
	"context"
	"testing"

	"github.com/cucumber/godog"

	"github.com/clipforge/clipforge-api/test/steps"
)

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			Strict:   true,
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("cucumber suite failed")
	}
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	stepContext := steps.NewStepContext()

	ctx.Step(`^the ClipForge API is running$`, stepContext.StartAPI)
	ctx.Step(`^the ClipForge API is running with (\d+) job slots?$`, stepContext.StartAPIWithSlots)
	ctx.Step(`^the client is authenticated$`, stepContext.Authenticate)
	ctx.Step(`^a pipeline job is already running$`, stepContext.OccupyJobSlot)
	ctx.Step(`^a downloaded video with id (\d+) exists$`, stepContext.SeedVideo)
	ctx.Step(`^no video with id (\d+) exists$`, stepContext.SeedMissingVideo)

	ctx.Step(`^I GET "([^"]*)"$`, stepContext.Get)
	ctx.Step(`^I POST "([^"]*)" with body:$`, stepContext.Post)
	ctx.Step(`^I POST "([^"]*)" as "([^"]*)" with body:$`, stepContext.PostAs)
	ctx.Step(`^I POST "([^"]*)" without a body$`, stepContext.PostEmpty)

	ctx.Step(`^the response code is (\d+)$`, stepContext.CheckResponseCode)
	ctx.Step(`^the response body is "([^"]*)"$`, stepContext.CheckBodyEquals)
	ctx.Step(`^the response body contains "([^"]*)"$`, stepContext.CheckBodyContains)
	ctx.Step(`^the response header "([^"]*)" is "([^"]*)"$`, stepContext.CheckHeader)

	ctx.After(func(c context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		if closeErr := stepContext.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		return c, err
	})
}
