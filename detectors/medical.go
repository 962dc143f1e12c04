// Copyright 2025 ModGate
// SPDX-License-Identifier: Apache-2.0

package detectors

// medicalVocabulary is the built-in term list behind MEDICAL rules:
// diagnosis, treatment, prescription, record, and insurance phrasing.
// All entries are lowercase.
var medicalVocabulary = []string{
	// Diagnosis
	"diagnosis",
	"diagnosed with",
	"prognosis",
	"medical condition",
	"symptom",

	// Treatment
	"treatment plan",
	"therapy regimen",
	"side effects",
	"contraindication",

	// Prescription
	"prescription",
	"prescribed",
	"dosage",
	"medication dosage",

	// Records
	"medical record",
	"patient record",
	"medical history",
	"lab results",
	"blood test results",

	// Insurance and compliance
	"health insurance claim",
	"hipaa",
	"icd-10",
}

// DetectMedical returns the built-in medical terms found in text.
func DetectMedical(text string) []string {
	return matchTerms(text, medicalVocabulary)
}
