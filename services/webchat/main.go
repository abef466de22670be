// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianEngage/services/webchat/aiturn"
	"github.com/AleutianAI/AleutianEngage/services/webchat/assistant"
	"github.com/AleutianAI/AleutianEngage/services/webchat/clientinfo"
	"github.com/AleutianAI/AleutianEngage/services/webchat/leads"
	"github.com/AleutianAI/AleutianEngage/services/webchat/observability"
	"github.com/AleutianAI/AleutianEngage/services/webchat/routes"
	"github.com/AleutianAI/AleutianEngage/services/webchat/storage"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		slog.Info("OTEL_EXPORTER_OTLP_ENDPOINT not set, tracing disabled")
		return func(context.Context) {}, nil
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("webchat-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

func main() {
	// .env is a development convenience; the container injects real env.
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	port := os.Getenv("WEBCHAT_PORT")
	if port == "" {
		port = "12230"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	ledger, err := storage.NewSupabaseClient(os.Getenv("LEDGER_URL"), os.Getenv("LEDGER_SERVICE_KEY"))
	if err != nil {
		log.Fatalf("FATAL: ledger not configured: %v", err)
	}

	assistantID := os.Getenv("OPENAI_ASSISTANT_ID")
	if assistantID == "" {
		log.Fatalf("FATAL: OPENAI_ASSISTANT_ID is not set")
	}
	turnService, err := aiturn.NewOpenAITurnService(os.Getenv("OPENAI_API_KEY"), aiturn.Options{
		AssistantID:    assistantID,
		ResolveProfile: os.Getenv("OPENAI_RESOLVE_PROFILE") == "true",
	})
	if err != nil {
		log.Fatalf("FATAL: could not initialize the AI turn service: %v", err)
	}

	geo := clientinfo.NewHTTPGeoLocator(os.Getenv("GEOLOCATION_API_URL"), os.Getenv("GEOLOCATION_API_TOKEN"))
	extractor := clientinfo.NewExtractor(geo)

	cfg := assistant.Config{
		WritePolicy: assistant.WritePolicy(os.Getenv("LEDGER_WRITE_POLICY")),
	}
	if hours, err := strconv.Atoi(os.Getenv("WEBCHAT_INACTIVITY_HOURS")); err == nil && hours > 0 {
		cfg.HandleTTL = time.Duration(hours) * time.Hour
	}

	svc := assistant.NewService(
		ledger,
		turnService,
		leads.NewExecutor(ledger),
		leads.NewLeadSignalPredicate(),
		observability.Default(),
		cfg,
	)

	router := gin.Default()
	router.Use(otelgin.Middleware("webchat-service"))
	routes.SetupRoutes(router, svc, extractor, routes.Options{
		AllowedOrigins: splitOrigins(os.Getenv("WEBCHAT_ALLOWED_ORIGINS")),
		SiteKey:        os.Getenv("WEBCHAT_SITE_KEY"),
	})

	log.Println("Starting the webchat server on port ", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
