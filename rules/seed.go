// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package rules

import (
	"context"
	"log"
)

// DefaultRules returns the rule set a fresh deployment starts with. The
// set covers each detector kind at least once and stays deliberately
// small; operators grow it through the admin surface.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "Global Toxicity Detection",
			Description: "Detect toxic, offensive, and hate speech content",
			Kind:        KindToxicity,
			Region:      RegionGlobal,
			Threshold:   0.7,
			Priority:    100,
			IsActive:    true,
			CreatedBy:   "system",
		},
		{
			Name:        "Global PII Detection",
			Description: "Detect personally identifiable information",
			Kind:        KindPII,
			Region:      RegionGlobal,
			Threshold:   DefaultThreshold,
			Priority:    90,
			IsActive:    true,
			CreatedBy:   "system",
		},
		{
			Name:        "US HIPAA Medical Terms",
			Description: "Block medical diagnosis and treatment information for US region",
			Kind:        KindMedical,
			Region:      RegionUS,
			Patterns: []string{
				"diagnosis", "prescription", "medication dosage",
				"medical condition", "treatment plan", "symptom diagnosis",
			},
			Threshold: DefaultThreshold,
			Priority:  80,
			IsActive:  true,
			CreatedBy: "system",
		},
		{
			Name:        "EU GDPR Data Protection",
			Description: "Enhanced PII detection for EU GDPR compliance",
			Kind:        KindPII,
			Region:      RegionEU,
			Threshold:   DefaultThreshold,
			Priority:    85,
			IsActive:    true,
			CreatedBy:   "system",
		},
		{
			Name:        "Restricted Financial Advice",
			Description: "Block specific investment advice and financial predictions",
			Kind:        KindFinancial,
			Region:      RegionGlobal,
			Patterns: []string{
				"guaranteed return", "risk-free investment",
				"insider trading", "pump and dump",
				"get rich quick", "investment guarantee",
			},
			Threshold: DefaultThreshold,
			Priority:  70,
			IsActive:  true,
			CreatedBy: "system",
		},
		{
			Name:        "Hate Speech Keywords",
			Description: "Block known hate speech terms and slurs",
			Kind:        KindKeyword,
			Region:      RegionGlobal,
			Patterns:    []string{"extremist", "violent threat"},
			Threshold:   DefaultThreshold,
			Priority:    95,
			IsActive:    true,
			CreatedBy:   "system",
		},
		{
			Name:        "Cryptocurrency Scam Detection",
			Description: "Detect common cryptocurrency scam patterns",
			Kind:        KindKeyword,
			Region:      RegionGlobal,
			Patterns: []string{
				"send bitcoin", "double your crypto",
				"free cryptocurrency", "crypto giveaway scam",
			},
			Threshold: DefaultThreshold,
			Priority:  75,
			IsActive:  true,
			CreatedBy: "system",
		},
	}
}

// SeedDefaults inserts the default rules when the store is empty. It
// returns the number of rules inserted; a store that already has rules
// is left untouched.
func SeedDefaults(ctx context.Context, store Store) (int, error) {
	existing, err := store.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		log.Printf("Rule store already has %d rules, skipping seed data", len(existing))
		return 0, nil
	}

	defaults := DefaultRules()
	for i := range defaults {
		if err := store.Create(ctx, &defaults[i]); err != nil {
			return i, err
		}
	}

	log.Printf("Seeded %d default moderation rules", len(defaults))
	return len(defaults), nil
}
