package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/raakeshmj/entitlements/internal/config"
	"github.com/raakeshmj/entitlements/internal/server"
)

var adapter *httpadapter.HandlerAdapter

// init runs once per Lambda container (cold start)
func init() {
	cfg := config.Load()
	if err := cfg.CheckServerless(); err != nil {
		log.Fatalf("lambda config: %v", err)
	}
	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("server init: %v", err)
	}
	// The sweeper is not started here; containers freeze between invocations,
	// and the quota check corrects expired subscriptions on read.
	adapter = httpadapter.New(srv.Handler())
}

// Handler is the Lambda entrypoint for API Gateway REST API (proxy integration)
func Handler(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	return adapter.ProxyWithContext(ctx, req)
}

func main() {
	lambda.Start(Handler)
}
