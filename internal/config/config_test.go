package config

import (
	"os"
	"strings"
	"testing"
)

func TestLoad_MatchingDefaults(t *testing.T) {
	os.Unsetenv("MATCH_TOP_K")
	os.Unsetenv("ENABLE_MULTI_STAGE_MATCHING")
	os.Unsetenv("MATCH_SIMILARITY_THRESHOLD")
	os.Unsetenv("FACE_RECOGNITION_TOLERANCE")

	cfg := Load()

	if cfg.Matching.TopK != 5 {
		t.Errorf("expected default top_k 5, got %d", cfg.Matching.TopK)
	}
	if !cfg.Matching.MultiStage {
		t.Error("expected multi-stage matching enabled by default")
	}
	if cfg.Matching.Strict.SimilarityThreshold != 0.85 {
		t.Errorf("expected strict threshold 0.85, got %f", cfg.Matching.Strict.SimilarityThreshold)
	}
	if cfg.Matching.Strict.Tolerance != 0.4 {
		t.Errorf("expected strict tolerance 0.4, got %f", cfg.Matching.Strict.Tolerance)
	}
	if cfg.Matching.Relaxed.SimilarityThreshold != 0.75 {
		t.Errorf("expected relaxed threshold 0.75, got %f", cfg.Matching.Relaxed.SimilarityThreshold)
	}
	if cfg.Matching.Relaxed.Tolerance != 0.6 {
		t.Errorf("expected relaxed tolerance 0.6, got %f", cfg.Matching.Relaxed.Tolerance)
	}
}

func TestLoad_DuplicateDefaults(t *testing.T) {
	os.Unsetenv("ENABLE_DUPLICATE_DETECTION")

	cfg := Load()

	dup := cfg.Matching.Duplicate
	if dup.Enabled {
		t.Error("expected duplicate detection disabled by default")
	}
	if dup.SimilarityThreshold != 0.9 || dup.Tolerance != 0.3 || dup.TopK != 10 {
		t.Errorf("unexpected duplicate defaults: %+v", dup)
	}
}

func TestLoad_DetectionDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Detection.MinFaceSize != 50 {
		t.Errorf("expected min face size 50, got %d", cfg.Detection.MinFaceSize)
	}
	if cfg.Detection.MaxFacesPerImage != 10 {
		t.Errorf("expected max faces 10, got %d", cfg.Detection.MaxFacesPerImage)
	}
	if cfg.Detection.Padding != 20 {
		t.Errorf("expected padding 20, got %d", cfg.Detection.Padding)
	}
	if cfg.Rekognition.FaceMatchThreshold != 90 {
		t.Errorf("expected rekognition threshold 90, got %f", cfg.Rekognition.FaceMatchThreshold)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MATCH_TOP_K", "8")
	t.Setenv("ENABLE_MULTI_STAGE_MATCHING", "false")
	t.Setenv("MATCH_SIMILARITY_THRESHOLD", "0.9")
	t.Setenv("SAVE_DETECTED_FACES", "0")
	t.Setenv("RECOGNITION_BACKEND", "Rekognition")

	cfg := Load()

	if cfg.Matching.TopK != 8 {
		t.Errorf("expected top_k 8, got %d", cfg.Matching.TopK)
	}
	if cfg.Matching.MultiStage {
		t.Error("expected multi-stage disabled")
	}
	if cfg.Matching.Strict.SimilarityThreshold != 0.9 {
		t.Errorf("expected strict threshold 0.9, got %f", cfg.Matching.Strict.SimilarityThreshold)
	}
	if cfg.Storage.SaveFaces {
		t.Error("expected face saving disabled")
	}
	if cfg.Backend.Recognition != RecognitionRekognition {
		t.Errorf("expected backend %q, got %q", RecognitionRekognition, cfg.Backend.Recognition)
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("MATCH_TOP_K", "-3")
	t.Setenv("FACE_RECOGNITION_TOLERANCE", "abc")
	t.Setenv("ENABLE_SIZE_FILTERING", "maybe")

	cfg := Load()

	if cfg.Matching.TopK != 5 {
		t.Errorf("expected fallback top_k 5, got %d", cfg.Matching.TopK)
	}
	if cfg.Matching.Strict.Tolerance != 0.4 {
		t.Errorf("expected fallback tolerance 0.4, got %f", cfg.Matching.Strict.Tolerance)
	}
	if !cfg.Detection.SizeFiltering {
		t.Error("expected fallback size filtering true")
	}
}

func TestLoad_DefaultEmbeddingDim(t *testing.T) {
	os.Unsetenv("EMBEDDING_DIM")

	cfg := Load()

	if cfg.Embedding.Dim != 128 {
		t.Errorf("expected default embedding dim 128, got %d", cfg.Embedding.Dim)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero top_k", func(c *Config) { c.Matching.TopK = 0 }, "top_k"},
		{"threshold above one", func(c *Config) { c.Matching.Strict.SimilarityThreshold = 1.5 }, "strict similarity"},
		{"relaxed stricter than strict", func(c *Config) { c.Matching.Relaxed.SimilarityThreshold = 0.95 }, "stricter"},
		{"relaxed ignored when single stage", func(c *Config) {
			c.Matching.MultiStage = false
			c.Matching.Relaxed.SimilarityThreshold = 0.95
		}, ""},
		{"negative tolerance", func(c *Config) { c.Matching.Relaxed.Tolerance = 0 }, "relaxed tolerance"},
		{"unknown vector backend", func(c *Config) { c.Backend.Vector = "faiss" }, "vector backend"},
		{"unknown metadata backend", func(c *Config) { c.Backend.Metadata = "redis" }, "metadata backend"},
		{"rekognition threshold", func(c *Config) { c.Rekognition.FaceMatchThreshold = 120 }, "rekognition"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Load()
			cfg.Backend = BackendConfig{
				Recognition: RecognitionLocal,
				Vector:      VectorHNSW,
				Metadata:    MetadataDynamo,
				ImageStore:  ImageStoreFile,
			}
			tc.mutate(cfg)

			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}
