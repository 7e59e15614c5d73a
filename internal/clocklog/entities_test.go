package clocklog

import "testing"

func TestFileTypeIsTrackAudio(t *testing.T) {
	cases := map[FileType]bool{
		FileTypeTrack:    true,
		FileTypeCopy320:  true,
		FileTypeImage:    false,
		FileTypeMetadata: false,
		FileTypeDir:      false,
	}
	for ft, want := range cases {
		if got := ft.IsTrackAudio(); got != want {
			t.Errorf("FileType(%q).IsTrackAudio() = %v, want %v", ft, got, want)
		}
	}
}
