package reports

import "fmt"

const (
	// BaseSubmissionAward is credited for every accepted report.
	BaseSubmissionAward int64 = 10
	// PhotoBonus is credited per attached photo.
	PhotoBonus int64 = 2
	// MaxPhotosPerReport mirrors the upload form limit.
	MaxPhotosPerReport = 5
)

// SubmissionAward computes the credits for a report with photoCount photos.
// The award is frozen at submission; later photo edits do not change it.
func SubmissionAward(photoCount int) (int64, error) {
	if photoCount < 0 || photoCount > MaxPhotosPerReport {
		return 0, fmt.Errorf("photo count %d outside 0..%d", photoCount, MaxPhotosPerReport)
	}
	return BaseSubmissionAward + PhotoBonus*int64(photoCount), nil
}

func submissionReason(title string, photoCount int) string {
	if photoCount == 0 {
		return "Report submitted: " + title
	}
	return fmt.Sprintf("Report submitted: %s (+%d photo bonus)", title, PhotoBonus*int64(photoCount))
}
