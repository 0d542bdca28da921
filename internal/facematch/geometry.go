package facematch

import "image"

// ComputeIoU calculates Intersection over Union between two bounding boxes.
// bbox1 and bbox2 are [x1, y1, x2, y2] in the same coordinate system.
func ComputeIoU(bbox1, bbox2 []float64) float64 {
	if len(bbox1) != 4 || len(bbox2) != 4 {
		return 0
	}

	x1 := max(bbox1[0], bbox2[0])
	y1 := max(bbox1[1], bbox2[1])
	x2 := min(bbox1[2], bbox2[2])
	y2 := min(bbox1[3], bbox2[3])

	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)

	area1 := (bbox1[2] - bbox1[0]) * (bbox1[3] - bbox1[1])
	area2 := (bbox2[2] - bbox2[0]) * (bbox2[3] - bbox2[1])
	union := area1 + area2 - intersection

	if union <= 0 {
		return 0
	}

	return intersection / union
}

// RelativeToPixelBBox converts a relative box (left, top, width, height in 0-1,
// as reported by managed vision services) to pixel [x1, y1, x2, y2].
func RelativeToPixelBBox(left, top, width, height float64, imgWidth, imgHeight int) []float64 {
	w, h := float64(imgWidth), float64(imgHeight)
	return []float64{
		left * w,
		top * h,
		(left + width) * w,
		(top + height) * h,
	}
}

// PadBBox grows a pixel [x1, y1, x2, y2] box by padding on every side and
// clamps it to bounds. An invalid or fully outside box yields an empty rectangle.
func PadBBox(bbox []float64, padding int, bounds image.Rectangle) image.Rectangle {
	if len(bbox) != 4 {
		return image.Rectangle{}
	}
	r := image.Rect(
		int(bbox[0])-padding,
		int(bbox[1])-padding,
		int(bbox[2])+padding,
		int(bbox[3])+padding,
	)
	return r.Intersect(bounds)
}

// BBoxSize returns the width and height of a [x1, y1, x2, y2] box in whole pixels.
func BBoxSize(bbox []float64) (int, int) {
	if len(bbox) != 4 {
		return 0, 0
	}
	return int(bbox[2] - bbox[0]), int(bbox[3] - bbox[1])
}
