package cmd

import (
	"fmt"

	awslambda "github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"

	"flowgate/pkg/lambda"
)

var lambdaCmd = &cobra.Command{
	Use:   "lambda",
	Short: "Run as a serverless function handler",
	Long:  "Starts the serverless runtime loop. Each invocation is a warmup, an API Gateway request or a batch notification.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		a, err := loadApp()
		if err != nil {
			fmt.Printf("failed to start: %v\n", err)
			return
		}

		handler := lambda.NewHandler(a.router, a.dispatcher, a.reporter, a.log)
		a.log.Info("Serverless handler started", "stage", a.cfg.Stage, "version", a.cfg.Build.AppVersion())
		awslambda.Start(handler.Invoke)
	},
}

func init() {
	rootCmd.AddCommand(lambdaCmd)
}
