package domain

import "testing"

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobQueued, JobRunning, true},
		{JobQueued, JobSucceeded, true},
		{JobQueued, JobFailed, true},
		{JobRunning, JobSucceeded, true},
		{JobRunning, JobFailed, true},
		{JobRunning, JobQueued, false},
		{JobSucceeded, JobRunning, false},
		{JobSucceeded, JobFailed, false},
		{JobFailed, JobRunning, false},
		{JobSucceeded, JobSucceeded, true},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStageMonotonic(t *testing.T) {
	if !StageDownload.CanAdvanceTo(StageRender) {
		t.Error("forward stage advance must be allowed")
	}
	if StageRender.CanAdvanceTo(StageDownload) {
		t.Error("stage regression must be rejected")
	}
	if !StageRender.CanAdvanceTo(StageRender) {
		t.Error("same-stage update must be allowed")
	}
}

func TestClampProgress(t *testing.T) {
	for in, want := range map[int]int{-5: 0, 0: 0, 42: 42, 100: 100, 150: 100} {
		if got := ClampProgress(in); got != want {
			t.Errorf("ClampProgress(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestManifestFindClip(t *testing.T) {
	m := Manifest{Clips: []ManifestClip{
		{File: "clip_01.mp4", Title: "one", Duration: 42.5},
		{File: "clip_02.mp4", Title: "two", Duration: 31},
	}}

	clip, ok := m.FindClip("clip_02.mp4")
	if !ok || clip.Title != "two" {
		t.Errorf("FindClip(clip_02.mp4) = %+v, %v", clip, ok)
	}
	if _, ok := m.FindClip("clip_99.mp4"); ok {
		t.Error("FindClip must not match files outside the manifest")
	}
}

func TestValidLanguage(t *testing.T) {
	for _, l := range []Language{LanguageEN, LanguageID, LanguageAuto} {
		if !ValidLanguage(l) {
			t.Errorf("ValidLanguage(%s) = false", l)
		}
	}
	if ValidLanguage("fr") {
		t.Error("unknown language must be rejected")
	}
}
