// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"context"
	"log"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// MemoryClassName is the Weaviate class backing every memory tier.
// Tiers are separated by the filterable "tier" property rather than by
// class so hybrid queries can span tiers in one request.
const MemoryClassName = "MemoryRecord"

func GetMemoryRecordSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       MemoryClassName,
		Description: "A memory record in one of the agent memory tiers.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "The full text payload of the record.",
				Tokenization: "word",
			},
			{
				Name:         "summary",
				DataType:     []string{"text"},
				Description:  "Condensed form used for prompt assembly.",
				Tokenization: "word",
			},
			{
				Name:            "tier",
				DataType:        []string{"text"},
				Description:     "Memory tier: working, history, pattern, document, external.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "collection",
				DataType:        []string{"text"},
				Description:     "Logical sub-collection within the tier.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "session_id",
				DataType:        []string{"text"},
				Description:     "Conversation session the record belongs to.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "turn_number",
				DataType:        []string{"int"},
				Description:     "Turn number within the conversation.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "source",
				DataType:        []string{"text"},
				Description:     "Original origin: file path, URL, or tool name.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "quality_score",
				DataType:        []string{"number"},
				Description:     "Usefulness score in [0,1], adjusted by outcome feedback.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "created_at",
				DataType:        []string{"number"},
				Description:     "Timestamp (Unix ms) of when the record was created.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "last_accessed",
				DataType:        []string{"number"},
				Description:     "Timestamp (Unix ms) of the last retrieval hit.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "data_space",
				DataType:        []string{"text"},
				Description:     "Logical data space for segmentation (e.g., 'work', 'personal').",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
		},
	}
}

// EnsureMemorySchema creates the memory class if it does not exist.
// Creation failure is fatal; the service cannot run without its store
// schema once a store is configured.
func EnsureMemorySchema(client *weaviate.Client) {
	class := GetMemoryRecordSchema()
	slog.Info("Checking schema", "class", class.Class)

	_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(context.Background())
	if err != nil {
		slog.Info("Schema not found, creating it...", "class", class.Class)
		if err := client.Schema().ClassCreator().WithClass(class).Do(context.Background()); err != nil {
			log.Fatalf("Failed to create schema for class %s: %v", class.Class, err)
		}
		slog.Info("Successfully created schema", "class", class.Class)
	} else {
		slog.Info("Schema already exists", "class", class.Class)
	}
}
