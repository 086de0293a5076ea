package consts

// Assistant identity
const (
	BotName = "BAI"

	SystemPrompt = "You are BAI, an AI assistant trained by Bhumit Panchani. Respond professionally and avoid identifying as any other entity."

	ProbeSystemPrompt = "You are a test system."
	ProbePrompt       = "Test API connectivity"
)

// Generation API parameters
const (
	TextModel      = "openai"
	ImageModel     = "flux"
	ImageWidth     = 512
	ImageHeight    = 512
	MaxTokens      = 300
	ProbeMaxTokens = 10

	DefaultImageInstruction = "Describe this image"
)

// Commands
const (
	CommandStart = "/start"
	CommandHelp  = "/help"
)

// Command replies
const (
	GreetingTemplate = `Greetings, %s! I am BAI, an AI-powered assistant trained by Bhumit Panchani. You may:

- Submit a question or statement (e.g., "What is AI?" or "Provide a summary of space") for text responses.
- Request an image with phrases such as "create an image," "draw," or "paint" (e.g., "Draw a cat" or "Create an image of a sunset").
- Send an image with a caption (e.g., "Describe this") for image analysis.

Type /help for additional guidance.`

	HelpTemplate = `Instructions for Using @%s:

- Text Generation: Submit a question or statement (e.g., "What is the capital of France?" or "Compose a poem").
- Image Generation: Request an image using phrases like "create an image," "draw," "paint," "sketch," "make a picture," etc. (e.g., "Draw a forest" or "Paint a landscape").
- Image Analysis: Send an image with a caption (e.g., send an image with caption "What is in this picture?").

BAI will process your input accordingly. Please feel free to explore its capabilities.`

	DefaultFirstName = "there"
)

// Provisional notices
const (
	NoticeText     = "Processing your request..."
	NoticeImage    = "Generating your image..."
	NoticeAnalysis = "Analyzing your image..."
)

// Results
const (
	ImageCaptionTemplate = "Image generated by BAI, for: %s"

	FallbackText     = "Sorry, I could not generate a response."
	FallbackAnalysis = "Sorry, I could not analyze the image."
)

// User-facing failures
const (
	ErrTextGeneration  = `Error: Failed to generate text. The API is currently slow or unavailable. Please try again later or rephrase your request. As a fallback, try asking something simple like "What is the capital of France?"`
	ErrImageGeneration = "Error: Failed to generate image. Please try again or simplify your description."
	ErrImageAnalysis   = "Error: Failed to analyze the image. The API is currently slow or unavailable. Please try again later."
	ErrImageRetrieval  = "Error: Failed to process your image. Please try sending it again."
)

// Telegram limits
const (
	MaxMessageLength = 4096
	MaxCaptionLength = 1024
)
