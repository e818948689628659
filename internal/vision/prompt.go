package vision

// systemText frames the model as a gemological analyst returning JSON only.
const systemText = "You are a gemological analyst examining photographs of a single physical item: the stone itself, measurement instruments (scales, calipers, gauges), and printed labels or certificates. Return valid JSON only, no markdown fences or prose."

// instructionText requests per-image observations plus an aggregate section.
// The model frequently ignores parts of this schema; the normalizer accepts
// every shape observed in production, so this text is a request, not a
// contract.
const instructionText = `Analyze every attached image of this item (images are numbered from 0 in the order attached).

Return a JSON object with:

"images": an array with one entry per image:
  - "index": the image number
  - "measurements": array of {"attribute", "value", "confidence", "method"} entries.
    Attributes: weight_carats, length_mm, width_mm, depth_mm, color, cut, clarity.
    Method is one of "instrument-reading" (read off a scale/caliper/gauge in the
    photo), "direct-field" (printed on a label or certificate), or
    "free-text-regex" (inferred visually). Confidence is 0.0-1.0.
  - "quality": {"focus", "lighting", "background", "color_fidelity", "visibility"}, each 0.0-1.0
  - "content_flags": array of strings when the image is not a direct photo of the
    stone, e.g. "measurement tool", "label only", "out of focus"
  - "notes": free-text description of anything relevant

"aggregate": your single best value per attribute across all images, as
  {"attribute": {"value", "confidence"}}.

Report measurements only when legible; omit attributes you cannot determine.`
